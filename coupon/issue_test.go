package coupon_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/coupon/store"
)

func TestIssuer_Issue(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	iss := coupon.NewIssuer(mem, mem, quietLogger())

	c, err := iss.Issue(ctx, "admin:root", coupon.IssueRequest{
		Balance: dec(150), RollNo: "21CS042", Phone: "9999900000", Email: "holder@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, coupon.StatusActive, c.Status)
	assert.Empty(t, c.History)

	stored, version, err := mem.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(1), version)
	assert.Equal(t, "150", stored.Issued.String())
	assert.Equal(t, "21CS042", stored.RollNo)
	assert.NoError(t, stored.CheckInvariants())

	audit, err := mem.ListAudit(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, coupon.AuditCouponIssued, audit[0].Action)
	assert.Equal(t, "150", audit[0].NewBalance.String())
}

func TestIssuer_RandomIDsAreUnique(t *testing.T) {
	mem := store.NewMemory()
	iss := coupon.NewIssuer(mem, nil, quietLogger())

	seen := make(map[coupon.CouponID]bool)
	for i := 0; i < 20; i++ {
		c, err := iss.Issue(context.Background(), "admin", coupon.IssueRequest{Balance: dec(10)})
		require.NoError(t, err)
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
	}
}

func TestIssuer_Rejections(t *testing.T) {
	mem := store.NewMemory()
	iss := coupon.NewIssuer(mem, mem, quietLogger())
	iss.NewID = func() coupon.CouponID { return "FIXED-1" }

	_, err := iss.Issue(context.Background(), "admin", coupon.IssueRequest{Balance: dec(-1)})
	assert.ErrorIs(t, err, coupon.ErrInvalidAmount)

	_, err = iss.Issue(context.Background(), "admin", coupon.IssueRequest{Balance: dec(10)})
	require.NoError(t, err)
	_, err = iss.Issue(context.Background(), "admin", coupon.IssueRequest{Balance: dec(20)})
	assert.ErrorIs(t, err, coupon.ErrAlreadyExists)

	audit, err := mem.ListAudit(context.Background(), "FIXED-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}
