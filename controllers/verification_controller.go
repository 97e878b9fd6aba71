package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailprobe/credits"
	"mailprobe/models"
	"mailprobe/verifier"
)

// VerificationController serves single and bulk verification plus job and
// balance lookups. Identity arrives pre-authorized in the X-User-ID or
// X-Team-ID header.
type VerificationController struct {
	DB           *gorm.DB
	Verifier     *verifier.Service
	Ledger       *credits.Ledger
	Logger       *logrus.Logger
	Validate     *validator.Validate
	CostPerEmail int64
}

func NewVerificationController(db *gorm.DB, vs *verifier.Service, ledger *credits.Ledger, costPerEmail int64, logger *logrus.Logger) *VerificationController {
	if costPerEmail <= 0 {
		costPerEmail = 1
	}
	return &VerificationController{
		DB:           db,
		Verifier:     vs,
		Ledger:       ledger,
		Logger:       logger,
		Validate:     validator.New(),
		CostPerEmail: costPerEmail,
	}
}

// RequestOwner pulls the billing owner out of the request headers.
func RequestOwner(c *fiber.Ctx) (credits.Owner, error) {
	if raw := c.Get("X-Team-ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return credits.Owner{}, errors.New("invalid X-Team-ID header")
		}
		return credits.TeamOwner(uint(id)), nil
	}
	if raw := c.Get("X-User-ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return credits.Owner{}, errors.New("invalid X-User-ID header")
		}
		return credits.UserOwner(uint(id)), nil
	}
	return credits.Owner{}, errors.New("missing X-User-ID or X-Team-ID header")
}

func ownerUserID(owner credits.Owner) *uint {
	if owner.Kind == credits.OwnerUser {
		id := owner.ID
		return &id
	}
	return nil
}

type verifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Whois bool   `json:"whois"`
}

// VerifyEmail verifies a single address. One credit unit is reserved up
// front, captured on success and released if the pipeline errors out.
func (vc *VerificationController) VerifyEmail(c *fiber.Ctx) error {
	owner, err := RequestOwner(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := vc.Validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "a valid email is required"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	reservation, err := vc.Ledger.Reserve(c.Context(), owner, vc.CostPerEmail, "", "verify:"+email)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient credits"})
		}
		if errors.Is(err, credits.ErrOwnerNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
		}
		vc.Logger.WithError(err).Error("credit reservation failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reserve credits"})
	}

	outcome, err := vc.Verifier.Verify(c.Context(), email, ownerUserID(owner), "")
	if err != nil {
		if _, rerr := vc.Ledger.Release(c.Context(), reservation.ID); rerr != nil {
			vc.Logger.WithError(rerr).Error("failed to release reservation")
		}
		vc.Logger.WithError(err).WithField("email", email).Error("verification failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verification failed"})
	}

	// Cached answers and deferred probes are free.
	if outcome.Cached || outcome.Deferred {
		if _, rerr := vc.Ledger.Release(c.Context(), reservation.ID); rerr != nil {
			vc.Logger.WithError(rerr).Error("failed to release reservation")
		}
	} else if cerr := vc.Ledger.Capture(c.Context(), reservation.ID, vc.CostPerEmail); cerr != nil {
		vc.Logger.WithError(cerr).Error("failed to capture reservation")
	}

	response := fiber.Map{
		"result":          outcome,
		"reservation_id":  reservation.ID,
		"credits_charged": chargedAmount(outcome, vc.CostPerEmail),
	}
	if req.Whois {
		response["whois"] = vc.domainWhois(email)
	}
	return c.JSON(response)
}

func chargedAmount(outcome *verifier.Outcome, cost int64) int64 {
	if outcome.Cached || outcome.Deferred {
		return 0
	}
	return cost
}

// domainWhois fetches a trimmed WHOIS record for the address's domain.
// Failures degrade to an empty string.
func (vc *VerificationController) domainWhois(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	raw, err := whois.Whois(email[at+1:])
	if err != nil {
		vc.Logger.WithError(err).Debug("whois lookup failed")
		return ""
	}
	if len(raw) > 2000 {
		raw = raw[:2000]
	}
	return raw
}

type bulkVerifyRequest struct {
	Emails []string `json:"emails" validate:"required,min=1,max=10000,dive,required,email"`
}

// BulkVerify accepts a list of addresses, reserves credits for the whole
// batch and queues a job for the background worker.
func (vc *VerificationController) BulkVerify(c *fiber.Ctx) error {
	owner, err := RequestOwner(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req bulkVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := vc.Validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "emails must be a non-empty list of valid addresses"})
	}

	emails := dedupeEmails(req.Emails)
	jobID := uuid.New().String()
	cost := int64(len(emails)) * vc.CostPerEmail

	reservation, err := vc.Ledger.Reserve(c.Context(), owner, cost, jobID, "bulk:"+jobID)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":    "insufficient credits",
				"required": cost,
			})
		}
		if errors.Is(err, credits.ErrOwnerNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
		}
		vc.Logger.WithError(err).Error("bulk credit reservation failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reserve credits"})
	}

	job := models.BulkJob{
		JobID:  jobID,
		Status: "queued",
		Emails: strings.Join(emails, "\n"),
		Total:  len(emails),
	}
	if owner.Kind == credits.OwnerTeam {
		job.TeamID = &owner.ID
	} else {
		job.UserID = &owner.ID
	}

	if err := vc.DB.WithContext(c.Context()).Create(&job).Error; err != nil {
		if _, rerr := vc.Ledger.Release(c.Context(), reservation.ID); rerr != nil {
			vc.Logger.WithError(rerr).Error("failed to release reservation")
		}
		vc.Logger.WithError(err).Error("failed to create bulk job")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create job"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":           jobID,
		"total":            len(emails),
		"reserved_credits": cost,
	})
}

// GetJob returns a bulk job's status, counters and (optionally) results.
func (vc *VerificationController) GetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	var job models.BulkJob
	q := vc.DB.WithContext(c.Context()).Where("job_id = ?", jobID)
	if c.QueryBool("results", false) {
		q = q.Preload("Results")
	}
	if err := q.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
		}
		vc.Logger.WithError(err).Error("failed to load bulk job")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load job"})
	}
	return c.JSON(job)
}

// GetBalance reports the owner's balance and what is still available after
// live reservations.
func (vc *VerificationController) GetBalance(c *fiber.Ctx) error {
	owner, err := RequestOwner(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	balance, err := vc.Ledger.Balance(c.Context(), owner)
	if err != nil {
		if errors.Is(err, credits.ErrOwnerNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
		}
		vc.Logger.WithError(err).Error("failed to load balance")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load balance"})
	}
	available, err := vc.Ledger.Available(c.Context(), owner)
	if err != nil {
		vc.Logger.WithError(err).Error("failed to load available credits")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load balance"})
	}

	return c.JSON(fiber.Map{"balance": balance, "available": available})
}

func dedupeEmails(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		email := strings.ToLower(strings.TrimSpace(raw))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}
