package phiacta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchClaim(t *testing.T) {
	claimID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, fmt.Sprintf("/v1/claims/%s", claimID), r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"id":        claimID.String(),
			"title":     "Riemann zeta zero count",
			"statement": "The first 10^5 non-trivial zeros lie on the critical line.",
			"status":    "SUBMITTED",
			"doi":       "10.1234/example",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token")
	claim, err := client.FetchClaim(context.Background(), claimID)
	require.NoError(t, err)

	assert.Equal(t, claimID, claim.ID)
	assert.Equal(t, "Riemann zeta zero count", claim.Title)
	assert.Equal(t, "SUBMITTED", claim.Status)
	assert.Equal(t, "10.1234/example", claim.Raw["doi"])
}

func TestFetchClaimErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "claim not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token")
	_, err := client.FetchClaim(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestSubmitReview(t *testing.T) {
	claimID := uuid.New()
	var got Review

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, fmt.Sprintf("/v1/claims/%s/reviews", claimID), r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "r1"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token")
	err := client.SubmitReview(context.Background(), claimID, Review{
		Verdict:    "VERIFIED",
		Confidence: 0.9,
		Comment:    "sandbox run passed",
	})
	require.NoError(t, err)

	assert.Equal(t, "VERIFIED", got.Verdict)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestSubmitReviewServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token")
	err := client.SubmitReview(context.Background(), uuid.New(), Review{Verdict: "FAILED"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestClientTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, len(r.URL.Path) > 1 && r.URL.Path[1] == '/', "double slash in path %q", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "k")
	_, err := client.FetchClaim(context.Background(), uuid.New())
	require.NoError(t, err)
}
