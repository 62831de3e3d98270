package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

func leads(emails ...string) []model.Lead {
	out := make([]model.Lead, len(emails))
	for i, e := range emails {
		out[i] = model.Lead{Email: e}
	}
	return out
}

func admittedEmails(r *service.GateResult) []string {
	out := make([]string, len(r.Admitted))
	for i, l := range r.Admitted {
		out[i] = l.Email
	}
	return out
}

func TestGateRejectionReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	jane, _ := f.addContact(t, "jane@x.com")
	f.addContact(t, "old@y.com")
	_, err := f.store.Contacts().SetFlag(ctx, jane.ID, model.FlagUnsubscribed)
	require.NoError(t, err)

	gate := &service.Gate{Contacts: f.store.Contacts()}
	res, err := gate.Filter(ctx, leads(
		"a@b",
		"nobody",
		"Admin@corp.com",
		"JANE@x.com",
		"old@y.com",
		"New@Z.com",
		"new@z.com ",
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"new@z.com"}, admittedEmails(res))
	reasons := map[string]service.RejectReason{}
	for _, r := range res.Rejected {
		reasons[r.Email] = r.Reason
	}
	assert.Equal(t, map[string]service.RejectReason{
		"a@b":            service.RejectInvalid,
		"nobody":         service.RejectInvalid,
		"Admin@corp.com": service.RejectRoleBased,
		"JANE@x.com":     service.RejectSuppressed,
		"old@y.com":      service.RejectExisting,
		"new@z.com ":     service.RejectDuplicate,
	}, reasons)
}

func TestGateFifteenLeadsScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	for i := 0; i < 3; i++ {
		f.addContact(t, fmt.Sprintf("existing%d@corp.com", i))
	}

	var input []string
	for i := 0; i < 3; i++ {
		input = append(input, fmt.Sprintf("existing%d@corp.com", i))
	}
	input = append(input, "sales@corp.com", "info@corp.com")
	for i := 0; i < 10; i++ {
		input = append(input, fmt.Sprintf("fresh%d@corp.com", i))
	}
	require.Len(t, input, 15)

	gate := &service.Gate{Contacts: f.store.Contacts()}
	res, err := gate.Filter(ctx, leads(input...))
	require.NoError(t, err)

	assert.Len(t, res.Admitted, 10)
	assert.Len(t, res.Rejected, 5)
	for _, e := range admittedEmails(res) {
		assert.Contains(t, e, "fresh")
	}
}

func TestGateStopsAtCap(t *testing.T) {
	var input []string
	for i := 0; i < 25; i++ {
		input = append(input, fmt.Sprintf("lead%d@corp.com", i))
	}
	gate := &service.Gate{Contacts: repository.NewMemoryStore().Contacts()}
	res, err := gate.Filter(context.Background(), leads(input...))
	require.NoError(t, err)

	require.Len(t, res.Admitted, service.MaxAdmittedLeads)
	assert.Equal(t, "lead0@corp.com", res.Admitted[0].Email)
	assert.Equal(t, "lead9@corp.com", res.Admitted[9].Email)
	assert.Equal(t, 15, res.Unevaluated)
}

func TestGateEmptyResultIsNotAnError(t *testing.T) {
	gate := &service.Gate{Contacts: repository.NewMemoryStore().Contacts()}
	res, err := gate.Filter(context.Background(), leads("support@x.com", "bad"))
	require.NoError(t, err)
	assert.Empty(t, res.Admitted)
	assert.Len(t, res.Rejected, 2)
}

func TestGatePropagatesStoreFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SetFailure("Contacts.EmailSets", errors.New("connection refused"))
	gate := &service.Gate{Contacts: store.Contacts()}

	_, err := gate.Filter(context.Background(), leads("pat@x.com"))
	require.Error(t, err)
	assert.True(t, appErrors.IsPersistence(err))
}

func TestGateNeverAdmitsExistingOrRoleAddresses(t *testing.T) {
	roles := []string{"admin", "support", "sales", "info", "contact", "office", "billing", "help", "jobs"}
	rapid.Check(t, func(rt *rapid.T) {
		store := repository.NewMemoryStore()
		existing := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{3,8}`), func(s string) string { return s }).Draw(rt, "existing")
		existingEmails := map[string]bool{}
		for _, e := range existing {
			email := e + "@known.com"
			existingEmails[email] = true
			_, err := store.Contacts().CreateMany(context.Background(), 1, leads(email))
			require.NoError(rt, err)
		}

		n := rapid.IntRange(0, 30).Draw(rt, "n")
		input := make([]string, n)
		for i := range input {
			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				if len(existing) > 0 {
					input[i] = rapid.SampledFrom(existing).Draw(rt, "existing_pick") + "@KNOWN.com"
					continue
				}
				input[i] = "x@y.com"
			case 1:
				input[i] = rapid.SampledFrom(roles).Draw(rt, "role") + "@corp.com"
			default:
				input[i] = rapid.StringMatching(`[a-z]{1,6}`).Draw(rt, "local") + "@new.com"
			}
		}

		gate := &service.Gate{Contacts: store.Contacts()}
		res, err := gate.Filter(context.Background(), leads(input...))
		require.NoError(rt, err)

		require.LessOrEqual(rt, len(res.Admitted), service.MaxAdmittedLeads)
		seen := map[string]bool{}
		for _, l := range res.Admitted {
			require.False(rt, existingEmails[l.Email], "existing contact admitted: %s", l.Email)
			for _, r := range roles {
				require.NotEqual(rt, r+"@corp.com", l.Email, "role address admitted")
			}
			require.False(rt, seen[l.Email], "duplicate admitted: %s", l.Email)
			seen[l.Email] = true
		}
	})
}
