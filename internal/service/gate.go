// internal/service/gate.go
package service

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/unclebandit/outreach-dispatch/internal/metrics"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
)

// MaxAdmittedLeads caps how many leads one gate pass admits.
const MaxAdmittedLeads = 10

// roleLocalParts are shared mailboxes that never go into a cold sequence.
var roleLocalParts = map[string]struct{}{
	"admin":   {},
	"support": {},
	"sales":   {},
	"info":    {},
	"contact": {},
	"office":  {},
	"billing": {},
	"help":    {},
	"jobs":    {},
}

type RejectReason string

const (
	RejectInvalid    RejectReason = "invalid"
	RejectRoleBased  RejectReason = "role_based"
	RejectSuppressed RejectReason = "suppressed"
	RejectExisting   RejectReason = "existing_contact"
	RejectDuplicate  RejectReason = "duplicate"
)

type Rejection struct {
	Email  string       `json:"email"`
	Reason RejectReason `json:"reason"`
}

type GateResult struct {
	Admitted []model.Lead `json:"admitted"`
	Rejected []Rejection  `json:"rejected"`
	// Unevaluated counts candidates left unread once the cap was reached.
	Unevaluated int `json:"unevaluated"`
}

type Gate struct {
	Contacts repository.ContactRepositoryInterface
	MaxLeads int
	Logger   *zap.Logger
}

// NormalizeEmail trims, lowercases and NFC-normalizes an address so that
// visually identical inputs compare equal.
func NormalizeEmail(email string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(email)))
}

func validEmail(email string) bool {
	return len(email) >= 5 && strings.Contains(email, "@")
}

func isRoleAddress(email string) bool {
	local, _, _ := strings.Cut(email, "@")
	_, ok := roleLocalParts[local]
	return ok
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Gate) maxLeads() int {
	if g.MaxLeads <= 0 {
		return MaxAdmittedLeads
	}
	return g.MaxLeads
}

// Filter admits candidates, in input order, that are well formed, not role
// mailboxes, not suppressed, not already contacts and not repeated earlier in
// the batch. It stops after the cap. An empty admitted list is a normal
// outcome, not an error.
func (g *Gate) Filter(ctx context.Context, candidates []model.Lead) (*GateResult, error) {
	result := &GateResult{Admitted: []model.Lead{}, Rejected: []Rejection{}}
	if len(candidates) == 0 {
		return result, nil
	}

	normalized := make([]string, len(candidates))
	lookup := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for i, c := range candidates {
		normalized[i] = NormalizeEmail(c.Email)
		if !validEmail(normalized[i]) {
			continue
		}
		if _, dup := seen[normalized[i]]; !dup {
			seen[normalized[i]] = struct{}{}
			lookup = append(lookup, normalized[i])
		}
	}

	snap, err := g.Contacts.EmailSets(ctx, lookup)
	if err != nil {
		return nil, err
	}

	limit := g.maxLeads()
	admitted := make(map[string]struct{}, limit)
	for i, c := range candidates {
		if len(result.Admitted) >= limit {
			result.Unevaluated = len(candidates) - i
			break
		}
		email := normalized[i]

		var reason RejectReason
		switch {
		case !validEmail(email):
			reason = RejectInvalid
		case isRoleAddress(email):
			reason = RejectRoleBased
		default:
			if _, ok := snap.Suppressed[email]; ok {
				reason = RejectSuppressed
			} else if _, ok := snap.Existing[email]; ok {
				reason = RejectExisting
			} else if _, ok := admitted[email]; ok {
				reason = RejectDuplicate
			}
		}

		if reason != "" {
			result.Rejected = append(result.Rejected, Rejection{Email: c.Email, Reason: reason})
			metrics.LeadsGatedTotal.WithLabelValues(string(reason)).Inc()
			continue
		}

		c.Email = email
		admitted[email] = struct{}{}
		result.Admitted = append(result.Admitted, c)
		metrics.LeadsGatedTotal.WithLabelValues("admitted").Inc()
	}

	g.logger().Debug("gate pass",
		zap.Int("candidates", len(candidates)),
		zap.Int("admitted", len(result.Admitted)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("unevaluated", result.Unevaluated),
	)
	return result, nil
}
