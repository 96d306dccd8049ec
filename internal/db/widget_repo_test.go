package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatforge/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Helpers ---

func appErrCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected *types.AppError, got %v", err)
	return appErr.Code
}

// scanTestWidget populates scan destinations in widgetColumns order.
func scanTestWidget(dest ...any) error {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	stripeID := "cus_123"
	periodStart := now.Add(-72 * time.Hour)

	*(dest[0].(*string)) = "wgt_1"
	*(dest[1].(*string)) = "org_1"
	*(dest[2].(*string)) = "Support Bot"
	*(dest[3].(*types.Plan)) = types.PlanPro
	*(dest[4].(*types.BillingPeriod)) = types.BillingMonthly
	*(dest[5].(*[]string)) = []string{"capacity_1000"}
	*(dest[6].(*int)) = 5000
	*(dest[7].(*int)) = 0
	*(dest[8].(*types.LifecycleStatus)) = types.LifecycleActive
	*(dest[9].(*types.SubscriptionStatus)) = types.SubStatusActive
	*(dest[10].(**time.Time)) = &periodStart
	*(dest[11].(**string)) = &stripeID
	*(dest[12].(*int)) = 7
	*(dest[13].(*time.Time)) = now.Add(-30 * 24 * time.Hour)
	*(dest[14].(*time.Time)) = now
	return nil
}

// --- WidgetRepository Tests ---

func TestWidgetRepository_GetByID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"wgt_1", "org_1"}).
		Return(&mockRow{scanFn: scanTestWidget})

	w, err := repo.GetByID(context.Background(), "wgt_1", "org_1")
	require.NoError(t, err)

	assert.Equal(t, "wgt_1", w.ID)
	assert.Equal(t, "org_1", w.OrganizationID)
	assert.Equal(t, types.PlanPro, w.Plan)
	assert.Equal(t, []string{"capacity_1000"}, w.ActiveAddons)
	assert.Equal(t, 5000, w.MessagesLimit)
	assert.Equal(t, "cus_123", w.StripeCustomerID)
	assert.Equal(t, 7, w.ConfigVersion)
	assert.False(t, w.BillingPeriodStart.IsZero())
	db.AssertExpectations(t)
}

func TestWidgetRepository_GetByID_AdminSkipsOrgScope(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	// Empty orgID uses the unscoped query with a single bind parameter.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"wgt_1"}).
		Return(&mockRow{scanFn: scanTestWidget})

	w, err := repo.GetByID(context.Background(), "wgt_1", "")
	require.NoError(t, err)
	assert.Equal(t, "wgt_1", w.ID)
	db.AssertExpectations(t)
}

func TestWidgetRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "wgt_missing", "org_1")
	assert.Equal(t, types.ErrCodeNotFoundWidget, appErrCode(t, err))
}

func TestWidgetRepository_GetByID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetByID(context.Background(), "wgt_1", "org_1")
	assert.Equal(t, types.ErrCodeInternalDB, appErrCode(t, err))
}

func TestWidgetRepository_GetByStripeCustomerID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"cus_123"}).
		Return(&mockRow{scanFn: scanTestWidget})

	w, err := repo.GetByStripeCustomerID(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "wgt_1", w.ID)
	db.AssertExpectations(t)
}

func TestWidgetRepository_GetByStripeCustomerID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByStripeCustomerID(context.Background(), "cus_unknown")
	assert.Equal(t, types.ErrCodeNotFoundWidget, appErrCode(t, err))
}

func TestWidgetRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	var execArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	w := &types.Widget{
		ID:                 "wgt_new",
		OrganizationID:     "org_1",
		Name:               "Sales Bot",
		Plan:               types.PlanNone,
		ActiveAddons:       []string{},
		LifecycleStatus:    types.LifecycleNew,
		SubscriptionStatus: types.SubStatusNone,
	}
	require.NoError(t, repo.Create(context.Background(), w))

	require.Len(t, execArgs, 12)
	assert.Equal(t, "wgt_new", execArgs[0])
	// Zero billing period start and empty Stripe ID are stored as NULL.
	assert.Nil(t, execArgs[10])
	assert.Nil(t, execArgs[11])
	db.AssertExpectations(t)
}

func TestWidgetRepository_Update_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	var execArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	w := &types.Widget{
		ID:                 "wgt_1",
		Name:               "Support Bot",
		Plan:               types.PlanPro,
		BillingPeriod:      types.BillingMonthly,
		ActiveAddons:       []string{"booking"},
		MessagesLimit:      5000,
		LifecycleStatus:    types.LifecycleActive,
		SubscriptionStatus: types.SubStatusActive,
		BillingPeriodStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		StripeCustomerID:   "cus_123",
		ConfigVersion:      7,
	}
	require.NoError(t, repo.Update(context.Background(), w, 7))

	// Expected version is the last bind parameter.
	require.Len(t, execArgs, 12)
	assert.Equal(t, 7, execArgs[11])
	db.AssertExpectations(t)
}

func TestWidgetRepository_Update_ConcurrentModification(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	// Existence check: the widget is still there, so the version was stale.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}})

	w := &types.Widget{ID: "wgt_1", ConfigVersion: 7}
	err := repo.Update(context.Background(), w, 7)
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErrCode(t, err))
	db.AssertExpectations(t)
}

func TestWidgetRepository_Update_WidgetGone(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}})

	err := repo.Update(context.Background(), &types.Widget{ID: "wgt_gone"}, 1)
	assert.Equal(t, types.ErrCodeNotFoundWidget, appErrCode(t, err))
}

func TestWidgetRepository_GetBillingInfo(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	customerID := "cus_123"
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"wgt_1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(**string)) = &customerID
			*(dest[1].(*string)) = "billing@acme.test"
			return nil
		}})

	gotID, gotEmail, err := repo.GetBillingInfo(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", gotID)
	assert.Equal(t, "billing@acme.test", gotEmail)
}

func TestWidgetRepository_GetBillingInfo_NoCustomerYet(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(**string)) = nil
			*(dest[1].(*string)) = "billing@acme.test"
			return nil
		}})

	gotID, gotEmail, err := repo.GetBillingInfo(context.Background(), "wgt_1")
	require.NoError(t, err)
	assert.Empty(t, gotID)
	assert.Equal(t, "billing@acme.test", gotEmail)
}

func TestWidgetRepository_UpdateStripeCustomerID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWidgetRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"cus_new", "wgt_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	require.NoError(t, repo.UpdateStripeCustomerID(context.Background(), "wgt_1", "cus_new"))

	db2 := new(mockDBTX)
	repo2 := NewWidgetRepository(db2)
	db2.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	err := repo2.UpdateStripeCustomerID(context.Background(), "wgt_gone", "cus_new")
	assert.Equal(t, types.ErrCodeNotFoundWidget, appErrCode(t, err))
}

// --- BillingEventGuard Tests ---

func TestBillingEventGuard_ClaimNewEvent(t *testing.T) {
	db := new(mockDBTX)
	guard := NewBillingEventGuard(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := guard.Claim(context.Background(), "wgt_1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	db.AssertExpectations(t)
}

func TestBillingEventGuard_StaleEventSkipped(t *testing.T) {
	db := new(mockDBTX)
	guard := NewBillingEventGuard(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	applied, err := guard.Claim(context.Background(), "wgt_1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBillingEventGuard_DBError(t *testing.T) {
	db := new(mockDBTX)
	guard := NewBillingEventGuard(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected"))

	_, err := guard.Claim(context.Background(), "wgt_1", time.Now().UTC())
	assert.Equal(t, types.ErrCodeInternalDB, appErrCode(t, err))
}
