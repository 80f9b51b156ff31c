// Package verify implements the ordered license verification pipeline:
// lookup, status, expiry, IP whitelist, machine binding and finally the
// activation slot. Every stage before the last is read-only; the last one
// writes through the activation manager, which re-decides capacity on the
// snapshot it commits.
package verify

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/kiranshivaraju/lumina/internal/activation"
	"github.com/kiranshivaraju/lumina/internal/metrics"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

// Outcome names the stage that decided a verification.
type Outcome string

const (
	OutcomeValid              Outcome = "valid"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeDisabled           Outcome = "disabled"
	OutcomeExpired            Outcome = "expired"
	OutcomeIPNotAllowed       Outcome = "ip_not_allowed"
	OutcomeMachineRequired    Outcome = "machine_required"
	OutcomeInvalidMachineCode Outcome = "invalid_machine_code"
	OutcomeMaxActivations     Outcome = "max_activations"
)

var messages = map[Outcome]string{
	OutcomeValid:              "License verified successfully",
	OutcomeNotFound:           "Invalid license key",
	OutcomeDisabled:           "License is disabled",
	OutcomeExpired:            "License has expired",
	OutcomeIPNotAllowed:       "IP address not authorized",
	OutcomeMachineRequired:    "Machine code is required for this license",
	OutcomeInvalidMachineCode: "Invalid machine code format",
	OutcomeMaxActivations:     "Maximum activations reached",
}

// Message returns the client-facing text for o.
func (o Outcome) Message() string {
	return messages[o]
}

// ErrInvalidRequest marks a request the pipeline cannot evaluate at all.
var ErrInvalidRequest = errors.New("invalid verification request")

var machineCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidMachineCode reports whether code is acceptable as a machine code.
func ValidMachineCode(code string) bool {
	return machineCodePattern.MatchString(code)
}

type Request struct {
	LicenseKey  string
	MachineCode string
	IP          string
}

// Result is the business decision. A license judged invalid is still a
// successful verification; errors are reserved for requests that could not
// be evaluated.
type Result struct {
	Valid   bool
	Outcome Outcome
	Message string

	// Set only when Valid.
	License              *models.License
	RemainingActivations *int
	ExpiryDate           *time.Time
}

type Pipeline struct {
	store       store.Store
	activations *activation.Manager
	metrics     *metrics.Metrics
	checks      *checkCache
	now         func() time.Time
}

// NewPipeline creates a Pipeline. m may be nil.
func NewPipeline(s store.Store, mgr *activation.Manager, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:       s,
		activations: mgr,
		metrics:     m,
		now:         time.Now,
	}
}

// Verify runs the pipeline for req.
func (p *Pipeline) Verify(ctx context.Context, req Request) (Result, error) {
	start := p.now()
	res, err := p.verify(ctx, req)
	if err == nil {
		p.metrics.ObserveVerification(string(res.Outcome), p.now().Sub(start))
	}
	return res, err
}

func (p *Pipeline) verify(ctx context.Context, req Request) (Result, error) {
	key := strings.TrimSpace(req.LicenseKey)
	if key == "" {
		return Result{}, ErrInvalidRequest
	}

	l, err := p.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return reject(OutcomeNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}

	switch l.EffectiveStatus(p.now()) {
	case models.StatusDisabled:
		return reject(OutcomeDisabled), nil
	case models.StatusExpired:
		return reject(OutcomeExpired), nil
	}

	if !l.IPAllowed(req.IP) {
		return reject(OutcomeIPNotAllowed), nil
	}

	machineCode := ""
	if l.MachineBinding {
		machineCode = strings.TrimSpace(req.MachineCode)
		if machineCode == "" {
			return reject(OutcomeMachineRequired), nil
		}
		if !ValidMachineCode(machineCode) {
			return reject(OutcomeInvalidMachineCode), nil
		}
	}

	rec, err := p.activations.RecordActivation(ctx, key, machineCode, req.IP)
	switch {
	case errors.Is(err, activation.ErrMaxActivationsReached):
		return reject(OutcomeMaxActivations), nil
	case errors.Is(err, store.ErrNotFound):
		// deleted after the lookup
		return reject(OutcomeNotFound), nil
	case err != nil:
		return Result{}, err
	}

	remaining := rec.License.RemainingActivations()
	return Result{
		Valid:                true,
		Outcome:              OutcomeValid,
		Message:              OutcomeValid.Message(),
		License:              rec.License,
		RemainingActivations: &remaining,
		ExpiryDate:           rec.License.ExpiryDate,
	}, nil
}

func reject(o Outcome) Result {
	return Result{Outcome: o, Message: o.Message()}
}
