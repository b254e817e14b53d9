/*
resolver.go - Billing rule and interest policy resolution

PURPOSE:
  Answers "which rule (or interest policy) governs this concept, for this
  scope, on this date?". Both resolvers are pure functions over a slice of
  records already loaded from the store.

RESOLUTION POLICY:
  1. Candidate: isActive, effectiveFrom <= date <= effectiveTo (inclusive,
     nil effectiveTo = open-ended), scope covers the target scope, concept
     matches.
  2. Most specific wins:
       rules:    building-scoped (1) > condominium-wide (0)
       interest: building (2) + concept-specific (1)
  3. Equal specificity: most recently created wins, ID descending as the
     final tie-break. The losers are reported as Conflicts so callers can
     surface a data-quality warning.

  No match is not an error: the concept simply is not billed (or no
  interest accrues).

SEE ALSO:
  - generator.go: resolves the rule at the period's issue date
  - interest.go: resolves the interest policy per overdue quota
*/
package billing

import (
	"sort"
	"time"
)

// versioned is the common shape of time-scoped, scope-bound records.
type versioned interface {
	window() (from Date, to *Date)
	active() bool
	created() time.Time
	key() string
}

func (r BillingRule) window() (Date, *Date) { return r.EffectiveFrom, r.EffectiveTo }
func (r BillingRule) active() bool          { return r.IsActive }
func (r BillingRule) created() time.Time    { return r.CreatedAt }
func (r BillingRule) key() string           { return string(r.ID) }

// EffectiveOn reports whether the rule is active and in its window on date.
func (r BillingRule) EffectiveOn(date Date) bool { return effectiveOn(r, date) }

func (c InterestConfiguration) window() (Date, *Date) { return c.EffectiveFrom, c.EffectiveTo }
func (c InterestConfiguration) active() bool          { return c.IsActive }
func (c InterestConfiguration) created() time.Time    { return c.CreatedAt }
func (c InterestConfiguration) key() string           { return string(c.ID) }

func (c InterestConfiguration) EffectiveOn(date Date) bool { return effectiveOn(c, date) }

func effectiveOn(v versioned, date Date) bool {
	if !v.active() {
		return false
	}
	from, to := v.window()
	if date.Before(from) {
		return false
	}
	if to != nil && date.After(*to) {
		return false
	}
	return true
}

type candidate[T versioned] struct {
	record      T
	specificity int
}

// pick orders candidates by specificity, then creation time, then ID, and
// returns the winner plus the equally specific losers.
func pick[T versioned](cands []candidate[T]) (winner *T, conflicts []T) {
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		if !a.record.created().Equal(b.record.created()) {
			return a.record.created().After(b.record.created())
		}
		return a.record.key() > b.record.key()
	})
	w := cands[0].record
	for _, c := range cands[1:] {
		if c.specificity == cands[0].specificity {
			conflicts = append(conflicts, c.record)
		}
	}
	return &w, conflicts
}

func overlapWarning[T versioned](kind string, date Date, winner *T, conflicts []T) *OverlapWarning {
	if winner == nil || len(conflicts) == 0 {
		return nil
	}
	w := &OverlapWarning{Kind: kind, Date: date, Winner: (*winner).key()}
	for _, c := range conflicts {
		w.Losers = append(w.Losers, c.key())
	}
	return w
}

// =============================================================================
// BILLING RULE RESOLVER
// =============================================================================

type RuleResolution struct {
	Rule      *BillingRule // nil = concept not billed on this date
	Conflicts []BillingRule
}

// Warning returns the overlap warning, or nil when resolution was clean.
func (r RuleResolution) Warning(date Date) *OverlapWarning {
	return overlapWarning("billing_rule", date, r.Rule, r.Conflicts)
}

// ResolveRule picks the rule governing conceptID for scope on date.
func ResolveRule(rules []BillingRule, scope Scope, conceptID ConceptID, date Date) RuleResolution {
	var cands []candidate[BillingRule]
	for _, r := range rules {
		if r.PaymentConceptID != conceptID || !r.Scope.Covers(scope) || !r.EffectiveOn(date) {
			continue
		}
		spec := 0
		if r.Scope.IsBuildingScoped() {
			spec = 1
		}
		cands = append(cands, candidate[BillingRule]{record: r, specificity: spec})
	}
	winner, conflicts := pick(cands)
	return RuleResolution{Rule: winner, Conflicts: conflicts}
}

// =============================================================================
// INTEREST POLICY RESOLVER
// =============================================================================

type InterestResolution struct {
	Config    *InterestConfiguration // nil = no interest accrues
	Conflicts []InterestConfiguration
}

func (r InterestResolution) Warning(date Date) *OverlapWarning {
	return overlapWarning("interest_configuration", date, r.Config, r.Conflicts)
}

// ResolveInterest picks the interest policy for conceptID in scope on date.
// Configurations with an empty PaymentConceptID apply to every concept.
func ResolveInterest(configs []InterestConfiguration, scope Scope, conceptID ConceptID, date Date) InterestResolution {
	var cands []candidate[InterestConfiguration]
	for _, c := range configs {
		if c.PaymentConceptID != "" && c.PaymentConceptID != conceptID {
			continue
		}
		if !c.Scope.Covers(scope) || !c.EffectiveOn(date) {
			continue
		}
		spec := 0
		if c.Scope.IsBuildingScoped() {
			spec += 2
		}
		if c.PaymentConceptID != "" {
			spec++
		}
		cands = append(cands, candidate[InterestConfiguration]{record: c, specificity: spec})
	}
	winner, conflicts := pick(cands)
	return InterestResolution{Config: winner, Conflicts: conflicts}
}
