// Package cryptoutils provides the TDX quote providers used to bind agent
// public keys to enclave measurements.
package cryptoutils

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"golang.org/x/crypto/hkdf"
)

var (
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

// AttestationType identifies the quoting mechanism behind a report.
type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

// Measurements are the enclave identity registers extracted from a quote.
type Measurements struct {
	// MrEnclave identifies the enclave binary (MRTD for TDX).
	MrEnclave string

	// MrSigner identifies the module signer.
	MrSigner string
}

// AttestationProvider produces raw quotes over 64 bytes of report data and
// knows how to read measurements back out of its own quotes.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
	Measurements(rawQuote []byte) (Measurements, error)
}

// DCAPAttestationProvider obtains quotes from the local TDX hardware, via
// configfs when available and the /dev quote device otherwise.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

func (DCAPAttestationProvider) Measurements(rawQuote []byte) (Measurements, error) {
	return DCAPMeasurements(rawQuote)
}

// DCAPMeasurements parses a DCAP quote and extracts MRTD and the signer
// register.
func DCAPMeasurements(rawQuote []byte) (Measurements, error) {
	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return Measurements{}, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return Measurements{}, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	return Measurements{
		MrEnclave: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		MrSigner:  hex.EncodeToString(v4Quote.TdQuoteBody.MrSignerSeam),
	}, nil
}

// RemoteAttestationProvider fetches quotes from a standalone quote provider
// service, for deployments where the quoting device lives in a sidecar.
type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

func (p *RemoteAttestationProvider) Measurements(rawQuote []byte) (Measurements, error) {
	return DCAPMeasurements(rawQuote)
}

// dummyQuoteMagic prefixes quotes from the dummy provider so they are never
// mistaken for hardware quotes.
var dummyQuoteMagic = []byte("dummy-tdx-quote:")

// dummyQuoteBody is the pseudo-quote length before padding. Chosen close to
// a raw DCAP v4 quote.
const dummyQuoteBody = 5006

// DummyAttestationProvider derives deterministic pseudo-quotes from a seed.
// It stands in for the quoting device on non-TDX development hosts:
// measurements are constant per seed and the quote is a pure function of the
// report data, which preserves the re-derivability contract of real quotes.
type DummyAttestationProvider struct {
	Seed []byte
}

func (DummyAttestationProvider) AttestationType() AttestationType { return DummyAttestation }

func (p DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	if len(p.Seed) == 0 {
		return nil, errors.New("dummy attestation provider requires a seed")
	}

	quote := make([]byte, 0, dummyQuoteBody)
	quote = append(quote, dummyQuoteMagic...)

	m := p.measurements()
	quote = append(quote, m.mrEnclave...)
	quote = append(quote, m.mrSigner...)
	quote = append(quote, reportData[:]...)

	stream := hkdf.New(sha256.New, p.Seed, reportData[:], []byte("dummy-quote-body"))
	body := make([]byte, dummyQuoteBody-len(quote))
	if _, err := io.ReadFull(stream, body); err != nil {
		return nil, err
	}
	return append(quote, body...), nil
}

func (p DummyAttestationProvider) Measurements(rawQuote []byte) (Measurements, error) {
	prefixLen := len(dummyQuoteMagic)
	if len(rawQuote) < prefixLen+96 || string(rawQuote[:prefixLen]) != string(dummyQuoteMagic) {
		return Measurements{}, errors.New("not a dummy quote")
	}
	return Measurements{
		MrEnclave: hex.EncodeToString(rawQuote[prefixLen : prefixLen+48]),
		MrSigner:  hex.EncodeToString(rawQuote[prefixLen+48 : prefixLen+96]),
	}, nil
}

type dummyMeasurements struct {
	mrEnclave []byte
	mrSigner  []byte
}

// measurements derives the constant per-seed registers, 48 bytes each to
// match the TDX register width.
func (p DummyAttestationProvider) measurements() dummyMeasurements {
	derive := func(info string) []byte {
		out := make([]byte, 48)
		stream := hkdf.New(sha256.New, p.Seed, nil, []byte(info))
		io.ReadFull(stream, out)
		return out
	}
	return dummyMeasurements{
		mrEnclave: derive("dummy-mrenclave"),
		mrSigner:  derive("dummy-mrsigner"),
	}
}
