package dispatch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorumSize(t *testing.T) {
	cases := map[int]int{
		1: 1, 2: 1, 3: 2, 4: 2, 5: 3, 6: 3, 7: 4, 10: 5, 11: 6,
	}
	for n, want := range cases {
		assert.Equal(t, want, QuorumSize(n), "QuorumSize(%d)", n)
	}
}

func TestMajoritySize(t *testing.T) {
	cases := map[int]int{
		1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4, 7: 4,
	}
	for n, want := range cases {
		assert.Equal(t, want, MajoritySize(n), "MajoritySize(%d)", n)
	}
}

func TestHaveQuorum(t *testing.T) {
	assert.True(t, HaveQuorum([]int{201, 201, 404, 404}, 4))
	assert.False(t, HaveQuorum([]int{201, 302, 418, 503}, 4))

	assert.True(t, HaveQuorum([]int{201, 201}, 3))
	assert.False(t, HaveQuorum([]int{201, 404}, 3))
	assert.False(t, HaveQuorum([]int{201}, 3))
	assert.True(t, HaveQuorum([]int{204, 204, 204}, 3))
	assert.False(t, HaveQuorum(nil, 3))
}

func resps(statuses ...int) []NodeResponse {
	out := make([]NodeResponse, 0, len(statuses))
	for i, s := range statuses {
		out = append(out, NodeResponse{
			Status:  s,
			Reason:  http.StatusText(s),
			Headers: http.Header{"X-Attempt": []string{string(rune('a' + i))}},
			Body:    []byte{byte(i)},
		})
	}
	return out
}

func TestBestResponseSimpleQuorum(t *testing.T) {
	resp := BestResponse(resps(201, 201, 503), 3, nil)
	assert.Equal(t, 201, resp.Status)

	resp = BestResponse(resps(404, 404, 201), 3, nil)
	assert.Equal(t, 404, resp.Status)
}

func TestBestResponseNoQuorum(t *testing.T) {
	resp := BestResponse(resps(201, 404, 503), 3, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	resp = BestResponse(nil, 3, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestBestResponseOverridesNeedLiteralWinner(t *testing.T) {
	// 302 and 100 both map to 204, which reaches quorum by votes, but no
	// literal 204 exists to represent it.
	resp := BestResponse(resps(302, 100, 404), 3, map[int]int{302: 204, 100: 204})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	// Overriding 100 to 404 raises the literal 404 to quorum.
	resp = BestResponse(resps(302, 100, 404), 3, map[int]int{100: 404})
	assert.Equal(t, 404, resp.Status)
}

func TestBestResponseBodyFromLiteralOccurrence(t *testing.T) {
	responses := resps(404, 100, 404)
	resp := BestResponse(responses, 3, map[int]int{100: 404})
	assert.Equal(t, 404, resp.Status)
	// Latest literal 404, never the overridden entry.
	assert.Equal(t, responses[2].Body, resp.Body)
	assert.Equal(t, responses[2].Headers, resp.Headers)
}

func TestBestResponsePrefersSuccessClass(t *testing.T) {
	resp := BestResponse(resps(201, 201, 404, 404), 4, nil)
	assert.Equal(t, 201, resp.Status)
}

func TestBestResponseOverrideOutvotesLiteralQuorum(t *testing.T) {
	// 404 holds a literal quorum on its own, but every 404 votes for 201
	// once overridden, and 201 is literally present to collect them.
	resp := BestResponse(resps(404, 404, 201), 3, map[int]int{404: 201})
	assert.Equal(t, 201, resp.Status)
}

func TestBestResponseLiteralTallyWhenOverrideTargetAbsent(t *testing.T) {
	// Every node answered 404 and the override target never occurred, so
	// the literal tally decides instead of reporting a quorum miss.
	resp := BestResponse(resps(404, 404, 404), 3, map[int]int{404: 204})
	assert.Equal(t, 404, resp.Status)
}
