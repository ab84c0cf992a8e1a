package models

import "time"

type TransactionType string

const (
	TxDeposit      TransactionType = "deposit"
	TxWithdrawal   TransactionType = "withdrawal"
	TxTransfer     TransactionType = "transfer"
	TxContribution TransactionType = "contribution"
	TxPayout       TransactionType = "payout"
	TxRefund       TransactionType = "refund"
)

type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxSuccess TransactionStatus = "success"
	TxFailed  TransactionStatus = "failed"
)

type CircleFrequency string

const (
	FrequencyWeekly  CircleFrequency = "weekly"
	FrequencyMonthly CircleFrequency = "monthly"
)

func (f CircleFrequency) Valid() bool {
	return f == FrequencyWeekly || f == FrequencyMonthly
}

// Deadline returns when contributions for the given cycle are due: the
// circle start plus cycle periods. Monthly cycles follow the calendar, so a
// circle started Jan 31 is due Feb 28/29 then Mar 31.
func (f CircleFrequency) Deadline(cycleStart time.Time, cycle int) time.Time {
	switch f {
	case FrequencyWeekly:
		return cycleStart.AddDate(0, 0, 7*cycle)
	case FrequencyMonthly:
		return cycleStart.AddDate(0, cycle, 0)
	default:
		return cycleStart
	}
}

type CircleStatus string

const (
	CirclePending   CircleStatus = "pending"
	CircleActive    CircleStatus = "active"
	CircleCompleted CircleStatus = "completed"
	CircleCancelled CircleStatus = "cancelled"
)

// circleTransitions is the closed legality table for circle status changes.
var circleTransitions = map[CircleStatus][]CircleStatus{
	CirclePending: {CircleActive, CircleCancelled},
	CircleActive:  {CircleCompleted, CircleCancelled},
}

// CanTransition reports whether a circle may move from its current status
// to next.
func (s CircleStatus) CanTransition(next CircleStatus) bool {
	for _, allowed := range circleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is permitted.
func (s CircleStatus) Terminal() bool {
	return len(circleTransitions[s]) == 0
}

type PayoutPolicy string

const (
	PayoutFixed  PayoutPolicy = "fixed"
	PayoutRandom PayoutPolicy = "random"
)

func (p PayoutPolicy) Valid() bool {
	return p == PayoutFixed || p == PayoutRandom
}

type CircleRole string

const (
	RoleHost   CircleRole = "host"
	RoleMember CircleRole = "member"
)

type ContributionStatus string

const (
	ContributionPending ContributionStatus = "pending"
	ContributionPaid    ContributionStatus = "paid"
	ContributionLate    ContributionStatus = "late"
)
