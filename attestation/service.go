// Package attestation issues measurement-bound reports for agent keys.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-agent-proxy/cryptoutils"
	"github.com/ruteri/tee-agent-proxy/interfaces"
)

// KeyReader is the slice of the key vault the service needs: public material
// only.
type KeyReader interface {
	PublicKeyBytes(agent interfaces.AgentAddress) ([]byte, error)
}

type cachedReport struct {
	quoteHex     string
	measurements cryptoutils.Measurements
}

// Service produces attestation reports binding agent public keys to the
// enclave's measurements. Quotes are obtained once per agent and cached, so
// a report is re-derivable bit-identically for the same agent; only the
// timestamp advances between calls.
type Service struct {
	provider cryptoutils.AttestationProvider
	keys     KeyReader
	log      *slog.Logger

	mu    sync.Mutex
	cache map[interfaces.AgentAddress]cachedReport
}

// NewService creates an attestation service over the given quote provider.
func NewService(provider cryptoutils.AttestationProvider, keys KeyReader, log *slog.Logger) *Service {
	return &Service{
		provider: provider,
		keys:     keys,
		log:      log,
		cache:    make(map[interfaces.AgentAddress]cachedReport),
	}
}

// ReportData binds an agent to a quote: the agent address followed by the
// SHA-256 of its uncompressed public key.
func ReportData(agent interfaces.AgentAddress, pubkey []byte) [64]byte {
	var reportData [64]byte
	pubkeyHash := sha256.Sum256(pubkey)
	copy(reportData[:20], agent.Bytes())
	copy(reportData[20:52], pubkeyHash[:])
	return reportData
}

// Report returns the attestation report for an agent. If the quoting
// mechanism fails the error wraps ErrAttestationUnavailable; a report is
// never fabricated.
func (s *Service) Report(ctx context.Context, agent interfaces.AgentAddress) (interfaces.AttestationReport, error) {
	s.mu.Lock()
	cached, ok := s.cache[agent]
	s.mu.Unlock()

	if !ok {
		var err error
		cached, err = s.generate(agent)
		if err != nil {
			return interfaces.AttestationReport{}, err
		}

		s.mu.Lock()
		// First generation wins so repeated reports stay bit-identical.
		if prev, ok := s.cache[agent]; ok {
			cached = prev
		} else {
			s.cache[agent] = cached
		}
		s.mu.Unlock()
	}

	return interfaces.AttestationReport{
		Quote:     cached.quoteHex,
		MrEnclave: cached.measurements.MrEnclave,
		MrSigner:  cached.measurements.MrSigner,
		Timestamp: time.Now().Unix(),
	}, nil
}

func (s *Service) generate(agent interfaces.AgentAddress) (cachedReport, error) {
	pubkey, err := s.keys.PublicKeyBytes(agent)
	if err != nil {
		return cachedReport{}, err
	}

	rawQuote, err := s.provider.Attest(ReportData(agent, pubkey))
	if err != nil {
		s.log.Error("Quote generation failed", "err", err, "agent", agent.Hex())
		return cachedReport{}, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}

	if len(rawQuote) > interfaces.QuoteSize {
		return cachedReport{}, fmt.Errorf("%w: quote size %d exceeds %d", interfaces.ErrAttestationUnavailable, len(rawQuote), interfaces.QuoteSize)
	}

	measurements, err := s.provider.Measurements(rawQuote)
	if err != nil {
		return cachedReport{}, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}

	// The upstream registry expects a fixed-size blob; raw quotes are
	// zero-padded up to it.
	padded := make([]byte, interfaces.QuoteSize)
	copy(padded, rawQuote)

	s.log.Debug("Generated attestation quote", "agent", agent.Hex(), "rawSize", len(rawQuote))

	return cachedReport{
		quoteHex:     hex.EncodeToString(padded),
		measurements: measurements,
	}, nil
}
