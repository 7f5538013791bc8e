package storage

import (
	"context"
	"fmt"
)

// AllowListVerifier admits users by platform user id. An empty list admits
// everyone.
type AllowListVerifier struct {
	Allowed []string
	// LLMID is reported for every admitted user.
	LLMID string
}

func (v AllowListVerifier) VerifyUser(ctx context.Context, tc TurnContext) (Verification, error) {
	if len(v.Allowed) == 0 {
		return Verification{Connected: true, MCPClientID: usageKey(tc), LLMID: v.LLMID}, nil
	}
	for _, id := range v.Allowed {
		if id == tc.UserID || id == usageKey(tc) {
			return Verification{Connected: true, MCPClientID: usageKey(tc), LLMID: v.LLMID}, nil
		}
	}
	return Verification{
		Error: fmt.Sprintf("User %s is not linked to this bot. Ask an administrator to grant access.", tc.UserID),
	}, nil
}

// StaticServerSource serves tool server targets from configuration.
// PerUser entries, keyed by "platform:user", replace Default.
type StaticServerSource struct {
	Default []string
	PerUser map[string][]string
}

func (s StaticServerSource) ServerURLs(ctx context.Context, tc TurnContext) ([]string, error) {
	urls, ok := s.PerUser[usageKey(tc)]
	if !ok {
		urls = s.Default
	}
	return append([]string(nil), urls...), nil
}
