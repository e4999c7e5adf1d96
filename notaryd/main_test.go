package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"solarsystem/config"
	"solarsystem/identity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotaryIdentity(t *testing.T) {
	k, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	testCases := []struct {
		name      string
		cfg       config.Notary
		assertion assert.ErrorAssertionFunc
	}{
		{
			name:      "seeded",
			cfg:       config.Notary{Common: config.Common{PartyName: "O=Notary, L=Solar System, C=GB", KeySeed: k.Seed()}},
			assertion: assert.NoError,
		},
		{
			name:      "ephemeral key without network file",
			cfg:       config.Notary{Common: config.Common{PartyName: "O=Notary, L=Solar System, C=GB"}},
			assertion: assert.NoError,
		},
		{
			name: "ephemeral key with network file",
			cfg:  config.Notary{Common: config.Common{PartyName: "O=Notary, L=Solar System, C=GB", NetworkFile: "network.yaml"}},
			assertion: func(tt assert.TestingT, err error, i ...interface{}) bool {
				return assert.ErrorContains(tt, err, "PROBE_KEY_SEED is required")
			},
		},
		{
			name: "bad name",
			cfg:  config.Notary{Common: config.Common{PartyName: "Notary"}},
			assertion: func(tt assert.TestingT, err error, i ...interface{}) bool {
				return assert.ErrorContains(tt, err, "PROBE_PARTY_NAME")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, key, err := notaryIdentity(tc.cfg)
			tc.assertion(t, err)
			if err != nil {
				return
			}
			assert.True(t, m.Notary)
			assert.Equal(t, key.Public(), m.Key)
			if tc.cfg.KeySeed != "" {
				assert.Equal(t, k.Public(), m.Key)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	h := router(reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
