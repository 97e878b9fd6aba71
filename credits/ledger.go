package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailprobe/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyCaptured     = errors.New("reservation already captured or released")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Transaction types recorded in the ledger.
const (
	TxTypeCharge = "charge"
	TxTypeRefund = "refund"
	TxTypeTopUp  = "top_up"
)

// OwnerKind selects which balance a ledger operation applies to.
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerTeam OwnerKind = "team"
)

// Owner identifies a user or team account.
type Owner struct {
	Kind OwnerKind
	ID   uint
}

func UserOwner(id uint) Owner { return Owner{Kind: OwnerUser, ID: id} }
func TeamOwner(id uint) Owner { return Owner{Kind: OwnerTeam, ID: id} }

func (o Owner) String() string { return fmt.Sprintf("%s:%d", o.Kind, o.ID) }

// Ledger is the single authority for credit balances. Reservations lock
// credits without deducting them; only capture moves the balance, and every
// balance change leaves a transaction row carrying the balance after it.
type Ledger struct {
	db             *gorm.DB
	logger         *logrus.Logger
	reservationTTL time.Duration
}

func NewLedger(db *gorm.DB, reservationTTL time.Duration, logger *logrus.Logger) *Ledger {
	if reservationTTL <= 0 {
		reservationTTL = time.Hour
	}
	return &Ledger{db: db, logger: logger, reservationTTL: reservationTTL}
}

// forUpdate adds a row lock on dialects that support it. SQLite (used in
// tests) serializes writers anyway.
func (l *Ledger) forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func ownerScope(tx *gorm.DB, owner Owner) *gorm.DB {
	if owner.Kind == OwnerTeam {
		return tx.Where("team_id = ?", owner.ID)
	}
	return tx.Where("user_id = ? AND team_id IS NULL", owner.ID)
}

// balanceLocked reads the owner's balance inside the transaction, holding
// the row lock for the rest of the transaction.
func (l *Ledger) balanceLocked(tx *gorm.DB, owner Owner) (int64, error) {
	if owner.Kind == OwnerTeam {
		var team models.Team
		if err := l.forUpdate(tx).First(&team, owner.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, ErrOwnerNotFound
			}
			return 0, err
		}
		return team.Credits, nil
	}
	var user models.User
	if err := l.forUpdate(tx).First(&user, owner.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrOwnerNotFound
		}
		return 0, err
	}
	return user.Credits, nil
}

func (l *Ledger) lockedSum(tx *gorm.DB, owner Owner) (int64, error) {
	var sum int64
	q := ownerScope(tx.Model(&models.CreditReservation{}), owner).Where("locked = ?", true)
	if err := q.Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}

// writeTx appends a transaction row and updates the cached balance column.
// The balance column is a cache: the authoritative balance is always the
// balance_after of the latest transaction.
func (l *Ledger) writeTx(tx *gorm.DB, owner Owner, amount int64, txType, reference string) (int64, error) {
	balance, err := l.balanceLocked(tx, owner)
	if err != nil {
		return 0, err
	}
	newBalance := balance + amount

	if owner.Kind == OwnerTeam {
		record := models.TeamCreditTransaction{
			TeamID:       owner.ID,
			Amount:       amount,
			BalanceAfter: newBalance,
			Type:         txType,
			Reference:    reference,
		}
		if err := tx.Create(&record).Error; err != nil {
			return 0, err
		}
		if err := tx.Model(&models.Team{}).Where("id = ?", owner.ID).Update("credits", newBalance).Error; err != nil {
			return 0, err
		}
		return newBalance, nil
	}

	record := models.CreditTransaction{
		UserID:       owner.ID,
		Amount:       amount,
		BalanceAfter: newBalance,
		Type:         txType,
		Reference:    reference,
	}
	if err := tx.Create(&record).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&models.User{}).Where("id = ?", owner.ID).Update("credits", newBalance).Error; err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Reserve locks amount credits for the owner without deducting them.
// Available credits are the balance minus the sum of live reservations, so
// concurrent reservations can never oversubscribe the balance.
func (l *Ledger) Reserve(ctx context.Context, owner Owner, amount int64, jobID, reference string) (*models.CreditReservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var reservation models.CreditReservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := l.balanceLocked(tx, owner)
		if err != nil {
			return err
		}
		locked, err := l.lockedSum(tx, owner)
		if err != nil {
			return err
		}
		if amount > balance-locked {
			return ErrInsufficientCredits
		}

		expires := time.Now().Add(l.reservationTTL)
		reservation = models.CreditReservation{
			Amount:    amount,
			JobID:     jobID,
			Locked:    true,
			ExpiresAt: &expires,
			Reference: reference,
		}
		if owner.Kind == OwnerTeam {
			reservation.TeamID = &owner.ID
		} else {
			reservation.UserID = &owner.ID
		}
		return tx.Create(&reservation).Error
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func reservationOwner(res *models.CreditReservation) Owner {
	if res.TeamID != nil {
		return TeamOwner(*res.TeamID)
	}
	if res.UserID != nil {
		return UserOwner(*res.UserID)
	}
	return Owner{}
}

// Capture settles a reservation. The full reserved amount is charged as a
// negative transaction; if actualAmount is smaller, the difference comes
// straight back as a separate refund transaction, so the trail always shows
// captured plus refunded equal to what was reserved. Pass actualAmount < 0
// to capture the full reserved amount. Capturing a reservation that is
// already settled fails with ErrAlreadyCaptured.
func (l *Ledger) Capture(ctx context.Context, reservationID uint, actualAmount int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.CreditReservation
		if err := l.forUpdate(tx).First(&res, reservationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if !res.Locked {
			return ErrAlreadyCaptured
		}
		if actualAmount < 0 || actualAmount > res.Amount {
			actualAmount = res.Amount
		}

		owner := reservationOwner(&res)
		ref := res.Reference
		if ref == "" {
			ref = res.JobID
		}
		if res.Amount > 0 {
			if _, err := l.writeTx(tx, owner, -res.Amount, TxTypeCharge, ref); err != nil {
				return err
			}
		}
		if leftover := res.Amount - actualAmount; leftover > 0 {
			if _, err := l.writeTx(tx, owner, leftover, TxTypeRefund, ref); err != nil {
				return err
			}
		}
		return tx.Model(&res).Update("locked", false).Error
	})
}

// Release unlocks a reservation without charging anything. Releasing a
// reservation that is already settled is a no-op; the bool reports whether
// this call did the unlock.
func (l *Ledger) Release(ctx context.Context, reservationID uint) (bool, error) {
	released := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.CreditReservation
		if err := l.forUpdate(tx).First(&res, reservationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if !res.Locked {
			return nil
		}
		released = true
		return tx.Model(&res).Update("locked", false).Error
	})
	return released, err
}

// ReleaseByJob unlocks every live reservation tied to a job and returns how
// many it released.
func (l *Ledger) ReleaseByJob(ctx context.Context, jobID string) (int, error) {
	result := l.db.WithContext(ctx).
		Model(&models.CreditReservation{}).
		Where("job_id = ? AND locked = ?", jobID, true).
		Update("locked", false)
	return int(result.RowsAffected), result.Error
}

// FinalizeJob settles all live reservations of a job against the job's
// actual cost. Reservations are captured oldest first until actualCost is
// covered, with a partial capture on the boundary; anything left over is
// released.
func (l *Ledger) FinalizeJob(ctx context.Context, jobID string, actualCost int64) error {
	var reservations []models.CreditReservation
	err := l.db.WithContext(ctx).
		Where("job_id = ? AND locked = ?", jobID, true).
		Order("id asc").
		Find(&reservations).Error
	if err != nil {
		return err
	}

	remaining := actualCost
	for i := range reservations {
		res := &reservations[i]
		take := res.Amount
		if take > remaining {
			take = remaining
		}
		if take > 0 {
			if err := l.Capture(ctx, res.ID, take); err != nil {
				return err
			}
			remaining -= take
			continue
		}
		if _, err := l.Release(ctx, res.ID); err != nil {
			return err
		}
	}
	if remaining > 0 {
		l.logger.WithFields(logrus.Fields{"job_id": jobID, "uncovered": remaining}).
			Warn("job cost exceeded its reservations")
	}
	return nil
}

// AddCredits tops up the owner's balance.
func (l *Ledger) AddCredits(ctx context.Context, owner Owner, amount int64, reference string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var newBalance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = l.writeTx(tx, owner, amount, TxTypeTopUp, reference)
		return err
	})
	return newBalance, err
}

// Refund returns previously captured credits, recorded as its own positive
// transaction.
func (l *Ledger) Refund(ctx context.Context, owner Owner, amount int64, reference string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var newBalance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = l.writeTx(tx, owner, amount, TxTypeRefund, reference)
		return err
	})
	return newBalance, err
}

// Balance returns the owner's balance.
func (l *Ledger) Balance(ctx context.Context, owner Owner) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = l.balanceLocked(tx, owner)
		return err
	})
	return balance, err
}

// Available returns the balance minus live reservations.
func (l *Ledger) Available(ctx context.Context, owner Owner) (int64, error) {
	var available int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := l.balanceLocked(tx, owner)
		if err != nil {
			return err
		}
		locked, err := l.lockedSum(tx, owner)
		if err != nil {
			return err
		}
		available = balance - locked
		return nil
	})
	return available, err
}

// SweepExpired releases reservations whose TTL ran out, recovering credits
// locked by crashed or abandoned jobs. Returns the number released.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	result := l.db.WithContext(ctx).
		Model(&models.CreditReservation{}).
		Where("locked = ? AND expires_at IS NOT NULL AND expires_at < ?", true, time.Now()).
		Update("locked", false)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		l.logger.WithField("count", result.RowsAffected).Info("released expired credit reservations")
	}
	return int(result.RowsAffected), nil
}
