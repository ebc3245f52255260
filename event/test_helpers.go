package event

import "github.com/stretchr/testify/mock"

// MatchEntry creates a custom matcher for retry entry arguments in mocks
func MatchEntry(matcher func(RetryEntry) bool) interface{} {
	return mock.MatchedBy(matcher)
}

// MatchDeadLetter creates a custom matcher for dead letter arguments in mocks
func MatchDeadLetter(matcher func(DeadLetter) bool) interface{} {
	return mock.MatchedBy(matcher)
}
