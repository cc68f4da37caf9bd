// Package plan validates compensation plan configuration and resolves the
// variant applicable to an individual.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

var (
	// ErrNoVariant means no variant name matched the role and the plan has
	// no default variant. The individual is excluded, not the batch.
	ErrNoVariant = errors.New("no variant matches role")

	// ErrAmbiguousVariant means two variants of equal name length both
	// matched. This is a data-configuration error reported per individual.
	ErrAmbiguousVariant = errors.New("ambiguous variant match")
)

// ResolveVariant selects exactly one variant for the individual's role text.
//
// Matching is case-insensitive substring containment of the variant name in
// the role. Names are tried longest first so a short generic name cannot
// shadow a more specific one that is a textual superset ("certificado" must
// not win over "no certificado").
func ResolveVariant(role string, variants []domain.PlanVariant) (*domain.PlanVariant, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: plan has no variants", ErrNoVariant)
	}

	normRole := normalize(role)

	ordered := make([]*domain.PlanVariant, 0, len(variants))
	for i := range variants {
		ordered = append(ordered, &variants[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(normalize(ordered[i].Name)) > len(normalize(ordered[j].Name))
	})

	var matched []*domain.PlanVariant
	matchLen := -1
	for _, v := range ordered {
		name := normalize(v.Name)
		if name == "" || !strings.Contains(normRole, name) {
			continue
		}
		if matchLen == -1 {
			matchLen = len(name)
		}
		if len(name) < matchLen {
			break // longest match already found
		}
		matched = append(matched, v)
	}

	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		if def := defaultVariant(variants); def != nil {
			return def, nil
		}
		return nil, fmt.Errorf("%w: role %q", ErrNoVariant, role)
	default:
		names := make([]string, len(matched))
		for i, v := range matched {
			names[i] = v.Name
		}
		return nil, fmt.Errorf("%w: role %q matches %s", ErrAmbiguousVariant, role, strings.Join(names, ", "))
	}
}

func defaultVariant(variants []domain.PlanVariant) *domain.PlanVariant {
	for i := range variants {
		if variants[i].Default {
			return &variants[i]
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
