package models

import (
	"errors"
	"strings"
)

var ErrUserNotFound = errors.New("user not found")

type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// ParsePlan is case-insensitive; unknown names fall back to FREE.
func ParsePlan(s string) Plan {
	switch Plan(strings.ToUpper(strings.TrimSpace(s))) {
	case PlanPro:
		return PlanPro
	case PlanEnterprise:
		return PlanEnterprise
	}
	return PlanFree
}

type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Plan     Plan   `json:"plan"`
	IsActive bool   `json:"isActive"`
}
