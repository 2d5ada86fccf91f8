package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	"github.com/smallbiznis/bookpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxPostingAttempts = 5
	postingRetryBase   = 10 * time.Millisecond

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var errVersionConflict = errors.New("balance_version_conflict")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AddCredit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditTransaction, error) {
	return s.creditWithRetry(ctx, req, ledgerdomain.CreditTxAdd)
}

func (s *Service) DeductCredit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditTransaction, error) {
	return s.creditWithRetry(ctx, req, ledgerdomain.CreditTxDeduct)
}

func (s *Service) DeductCreditTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest) (ledgerdomain.CreditTransaction, error) {
	if err := validateCredit(req); err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	out, err := s.postCredit(ctx, tx, req, ledgerdomain.CreditTxDeduct)
	if errors.Is(err, errVersionConflict) {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrConcurrentUpdate
	}
	if err == nil {
		s.obsMetrics.RecordLedgerPosting(ctx, string(ledgerdomain.ResourceCredit), string(ledgerdomain.CreditTxDeduct))
	}
	return out, err
}

func (s *Service) AddPoints(ctx context.Context, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	if req.Type == "" {
		req.Type = ledgerdomain.PointsTxEarn
	}
	if req.Type == ledgerdomain.PointsTxRedeem {
		return ledgerdomain.PointsTransaction{}, ledgerdomain.ErrInvalidType
	}
	return s.pointsWithRetry(ctx, req)
}

func (s *Service) DeductPoints(ctx context.Context, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	switch req.Type {
	case "":
		req.Type = ledgerdomain.PointsTxRedeem
	case ledgerdomain.PointsTxRedeem:
	case ledgerdomain.PointsTxAdjust:
		if req.Amount > 0 {
			req.Amount = -req.Amount
		}
	default:
		return ledgerdomain.PointsTransaction{}, ledgerdomain.ErrInvalidType
	}
	return s.pointsWithRetry(ctx, req)
}

func (s *Service) RedeemPointsTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	req.Type = ledgerdomain.PointsTxRedeem
	return s.pointsTx(ctx, tx, req)
}

func (s *Service) EarnPointsTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	req.Type = ledgerdomain.PointsTxEarn
	return s.pointsTx(ctx, tx, req)
}

func (s *Service) pointsTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	if err := validatePoints(req); err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}
	out, err := s.postPoints(ctx, tx, req)
	if errors.Is(err, errVersionConflict) {
		return ledgerdomain.PointsTransaction{}, ledgerdomain.ErrConcurrentUpdate
	}
	if err == nil {
		s.obsMetrics.RecordLedgerPosting(ctx, string(ledgerdomain.ResourcePoints), string(req.Type))
	}
	return out, err
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (ledgerdomain.Balance, error) {
	if userID == 0 {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidUser
	}
	points, err := s.repo.GetBalance(ctx, s.db, ledgerdomain.ResourcePoints, userID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	credit, err := s.repo.GetBalance(ctx, s.db, ledgerdomain.ResourceCredit, userID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return ledgerdomain.Balance{UserID: userID, Points: points.Balance, Credit: credit.Balance}, nil
}

func (s *Service) GetTransactionHistory(ctx context.Context, userID snowflake.ID, limit int) (ledgerdomain.History, error) {
	if userID == 0 {
		return ledgerdomain.History{}, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	points, err := s.repo.ListPointsTransactions(ctx, s.db, userID, limit, false)
	if err != nil {
		return ledgerdomain.History{}, err
	}
	credit, err := s.repo.ListCreditTransactions(ctx, s.db, userID, limit, false)
	if err != nil {
		return ledgerdomain.History{}, err
	}
	if points == nil {
		points = []ledgerdomain.PointsTransaction{}
	}
	if credit == nil {
		credit = []ledgerdomain.CreditTransaction{}
	}
	return ledgerdomain.History{Points: points, Credit: credit}, nil
}

// VerifyChain replays every transaction of a user from zero and checks each
// balance_after against the running sum and the cached balance.
func (s *Service) VerifyChain(ctx context.Context, userID snowflake.ID, resource ledgerdomain.Resource) (ledgerdomain.ChainReport, error) {
	if userID == 0 {
		return ledgerdomain.ChainReport{}, ledgerdomain.ErrInvalidUser
	}

	type link struct {
		id           snowflake.ID
		amount       int64
		balanceAfter int64
	}
	var links []link
	switch resource {
	case ledgerdomain.ResourcePoints:
		rows, err := s.repo.ListPointsTransactions(ctx, s.db, userID, 0, true)
		if err != nil {
			return ledgerdomain.ChainReport{}, err
		}
		for _, row := range rows {
			links = append(links, link{row.ID, row.Amount, row.BalanceAfter})
		}
	case ledgerdomain.ResourceCredit:
		rows, err := s.repo.ListCreditTransactions(ctx, s.db, userID, 0, true)
		if err != nil {
			return ledgerdomain.ChainReport{}, err
		}
		for _, row := range rows {
			links = append(links, link{row.ID, row.Amount, row.BalanceAfter})
		}
	default:
		return ledgerdomain.ChainReport{}, ledgerdomain.ErrInvalidType
	}

	cached, err := s.repo.GetBalance(ctx, s.db, resource, userID)
	if err != nil {
		return ledgerdomain.ChainReport{}, err
	}

	report := ledgerdomain.ChainReport{
		UserID:        userID,
		Resource:      resource,
		Transactions:  len(links),
		CachedBalance: cached.Balance,
	}
	var running int64
	for _, l := range links {
		running += l.amount
		if running != l.balanceAfter && report.BrokenAtTxID == nil {
			id := l.id
			report.BrokenAtTxID = &id
		}
	}
	report.ReplayBalance = running
	report.Consistent = report.BrokenAtTxID == nil && running == cached.Balance
	if !report.Consistent {
		s.log.Error("ledger chain inconsistent",
			zap.String("user_id", userID.String()),
			zap.String("resource", string(resource)),
			zap.Int64("cached_balance", cached.Balance),
			zap.Int64("replay_balance", running),
		)
	}
	return report, nil
}

func (s *Service) creditWithRetry(ctx context.Context, req ledgerdomain.CreditRequest, txType ledgerdomain.CreditTxType) (ledgerdomain.CreditTransaction, error) {
	if err := validateCredit(req); err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	var out ledgerdomain.CreditTransaction
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.postCredit(ctx, tx, req, txType)
		return err
	})
	if err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	s.obsMetrics.RecordLedgerPosting(ctx, string(ledgerdomain.ResourceCredit), string(txType))
	return out, nil
}

func (s *Service) pointsWithRetry(ctx context.Context, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	if err := validatePoints(req); err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}
	var out ledgerdomain.PointsTransaction
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.postPoints(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}
	s.obsMetrics.RecordLedgerPosting(ctx, string(ledgerdomain.ResourcePoints), string(req.Type))
	return out, nil
}

// withRetry reruns the whole transaction when the balance row moved underneath
// it or the database aborted it for serialization reasons.
func (s *Service) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxPostingAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errVersionConflict) && !db.IsSerializationFailure(err) {
			return err
		}
		s.log.Debug("ledger posting retry", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(postingRetryBase * time.Duration(attempt)):
		}
	}
	s.log.Warn("ledger posting gave up", zap.Int("attempts", maxPostingAttempts), zap.Error(err))
	return ledgerdomain.ErrConcurrentUpdate
}

func (s *Service) postCredit(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest, txType ledgerdomain.CreditTxType) (ledgerdomain.CreditTransaction, error) {
	if req.BookingID != nil {
		existing, err := s.repo.FindCreditTransactionForBooking(ctx, tx, req.UserID, *req.BookingID, txType)
		if err != nil {
			return ledgerdomain.CreditTransaction{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	if err := s.repo.EnsureBalance(ctx, tx, ledgerdomain.ResourceCredit, req.UserID); err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	current, err := s.repo.LockBalance(ctx, tx, ledgerdomain.ResourceCredit, req.UserID)
	if err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}

	delta := req.Amount
	if txType == ledgerdomain.CreditTxDeduct {
		delta = -req.Amount
	}
	next := current.Balance + delta
	if next < 0 {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrInsufficientBalance
	}

	ok, err := s.repo.UpdateBalance(ctx, tx, ledgerdomain.ResourceCredit, current, next, 0)
	if err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	if !ok {
		return ledgerdomain.CreditTransaction{}, errVersionConflict
	}

	row := ledgerdomain.CreditTransaction{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		Type:         txType,
		Amount:       delta,
		BalanceAfter: next,
		Seq:          current.Version + 1,
		Source:       strings.TrimSpace(req.Source),
		Description:  strings.TrimSpace(req.Description),
		BookingID:    req.BookingID,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.repo.InsertCreditTransaction(ctx, tx, &row); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent posting for the same booking won; the retry replays it.
			return ledgerdomain.CreditTransaction{}, errVersionConflict
		}
		return ledgerdomain.CreditTransaction{}, err
	}
	return row, nil
}

func (s *Service) postPoints(ctx context.Context, tx *gorm.DB, req ledgerdomain.PointsRequest) (ledgerdomain.PointsTransaction, error) {
	if req.BookingID != nil {
		existing, err := s.repo.FindPointsTransactionForBooking(ctx, tx, req.UserID, *req.BookingID, req.Type)
		if err != nil {
			return ledgerdomain.PointsTransaction{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	if err := s.repo.EnsureBalance(ctx, tx, ledgerdomain.ResourcePoints, req.UserID); err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}
	current, err := s.repo.LockBalance(ctx, tx, ledgerdomain.ResourcePoints, req.UserID)
	if err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}

	delta := req.Delta()
	next := current.Balance + delta
	if next < 0 {
		return ledgerdomain.PointsTransaction{}, ledgerdomain.ErrInsufficientPoints
	}
	var earned int64
	if req.Type == ledgerdomain.PointsTxEarn {
		earned = delta
	}

	ok, err := s.repo.UpdateBalance(ctx, tx, ledgerdomain.ResourcePoints, current, next, earned)
	if err != nil {
		return ledgerdomain.PointsTransaction{}, err
	}
	if !ok {
		return ledgerdomain.PointsTransaction{}, errVersionConflict
	}

	row := ledgerdomain.PointsTransaction{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		Type:          req.Type,
		Amount:        delta,
		BalanceAfter:  next,
		Seq:           current.Version + 1,
		Description:   strings.TrimSpace(req.Description),
		BookingID:     req.BookingID,
		UserVoucherID: req.UserVoucherID,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.repo.InsertPointsTransaction(ctx, tx, &row); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ledgerdomain.PointsTransaction{}, errVersionConflict
		}
		return ledgerdomain.PointsTransaction{}, err
	}
	return row, nil
}

func validateCredit(req ledgerdomain.CreditRequest) error {
	if req.UserID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Source) == "" {
		return ledgerdomain.ErrInvalidSource
	}
	return nil
}

func validatePoints(req ledgerdomain.PointsRequest) error {
	if req.UserID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	switch req.Type {
	case ledgerdomain.PointsTxEarn, ledgerdomain.PointsTxRedeem, ledgerdomain.PointsTxRefund:
		if req.Amount <= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	case ledgerdomain.PointsTxAdjust:
		if req.Amount == 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	default:
		return ledgerdomain.ErrInvalidType
	}
	return nil
}
