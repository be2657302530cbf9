package leaderboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// Pointer fields distinguish a missing key from a zero value; validator's
// required tag only checks that the pointer is set.
type contributorPayload struct {
	Total  *int64         `json:"total" validate:"required"`
	Weeks  []*weekPayload `json:"weeks" validate:"required,dive,required"`
	Author *authorPayload `json:"author" validate:"required"`
}

type weekPayload struct {
	W *int64 `json:"w" validate:"required"`
	A *int64 `json:"a" validate:"required,gte=0"`
	D *int64 `json:"d" validate:"required,gte=0"`
	C *int64 `json:"c" validate:"required,gte=0"`
}

type authorPayload struct {
	Login     *string `json:"login" validate:"required"`
	ID        *int64  `json:"id" validate:"required"`
	NodeID    *string `json:"node_id" validate:"required"`
	AvatarURL *string `json:"avatar_url" validate:"required"`
}

func payloadValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			if tag == "" || tag == "-" {
				return fld.Name
			}
			return tag
		})
		validatorInst = v
	})
	return validatorInst
}

// ValidateContributors checks a raw contributor stats body against the expected shape
// and converts it into typed contributors. Any malformed element rejects the whole body.
func ValidateContributors(raw []byte) ([]Contributor, error) {
	var payload []*contributorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode contributor stats: %w", err)
	}
	if payload == nil {
		return nil, errors.New("contributor stats body is not an array")
	}

	v := payloadValidator()
	contributors := make([]Contributor, 0, len(payload))
	for i, item := range payload {
		if item == nil {
			return nil, fmt.Errorf("contributor[%d] is null", i)
		}
		if err := v.Struct(item); err != nil {
			return nil, fmt.Errorf("contributor[%d]: %w", i, err)
		}
		contributors = append(contributors, item.toContributor())
	}
	return contributors, nil
}

func (p *contributorPayload) toContributor() Contributor {
	weeks := make([]Week, 0, len(p.Weeks))
	for _, week := range p.Weeks {
		weeks = append(weeks, Week{
			Start:     *week.W,
			Additions: *week.A,
			Deletions: *week.D,
			Commits:   *week.C,
		})
	}
	return Contributor{
		Identity: Identity{
			Login:     *p.Author.Login,
			ID:        *p.Author.ID,
			NodeID:    *p.Author.NodeID,
			AvatarURL: *p.Author.AvatarURL,
		},
		Total: *p.Total,
		Weeks: weeks,
	}
}
