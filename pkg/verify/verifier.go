package verify

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/settld-labs/magic-link/pkg/canonicalize"
)

// Bundle types recognized by the pipeline.
const (
	BundleInvoice   = "InvoiceBundle.v1"
	BundleClosePack = "ClosePack.v1"
)

// Input carries the resolved verification context for one run.
type Input struct {
	Mode        string // strict or compat, already resolved
	Roots       *KeySet
	PricingKeys *KeySet
}

// Verifier produces a VerifyCliOutput.v1 for a bundle.
type Verifier interface {
	Verify(ctx context.Context, bundle []byte, in Input) (*CliOutput, error)
}

// manifest is the SettldBundleManifest.v1 file at the bundle root.
type manifest struct {
	SchemaVersion string `json:"schemaVersion"`
	BundleType    string `json:"bundleType"`
	VendorID      string `json:"vendorId,omitempty"`
	ContractID    string `json:"contractId,omitempty"`
	Files         []struct {
		Path   string `json:"path"`
		Sha256 string `json:"sha256"`
	} `json:"files"`
}

// approval is the governance/approval.json signature envelope. The signature
// covers the canonical form of manifest.json.
type approval struct {
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
}

// pricingSignature is one row of pricing/pricing_matrix_signatures.json. The
// signature covers the raw bytes of pricing/pricing_matrix.json.
type pricingSignature struct {
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
}

// PolicyVerifier is the built-in bundle verifier. It checks structure and
// digests in every mode; strict mode additionally requires a governance
// approval that verifies against a trusted root.
type PolicyVerifier struct{}

// NewPolicyVerifier returns the built-in verifier.
func NewPolicyVerifier() *PolicyVerifier {
	return &PolicyVerifier{}
}

// Verify implements Verifier.
func (p *PolicyVerifier) Verify(_ context.Context, bundle []byte, in Input) (*CliOutput, error) {
	out := &CliOutput{
		SchemaVersion: "VerifyCliOutput.v1",
		Errors:        []Issue{},
		Warnings:      []Issue{},
		Target:        Target{Dir: nil},
	}

	if in.Mode == ModeStrict && in.Roots.Empty() {
		out.Errors = append(out.Errors, Issue{Code: ErrStrictRequiresRoots})
		out.Summary = "strict verification refused: no trusted governance root keys"
		return out, nil
	}
	if in.Mode == ModeCompat && in.Roots.Empty() {
		out.Warnings = append(out.Warnings, Issue{Code: WarnRootsMissingLenient,
			Message: "no trusted governance root keys configured; governance checks skipped"})
	}

	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		out.Errors = append(out.Errors, Issue{Code: ErrBundleNotZip, Message: err.Error()})
		out.Summary = "bundle is not a readable zip archive"
		return out, nil
	}

	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	manifestRaw, ok := readEntry(entries, "manifest.json")
	if !ok {
		out.Errors = append(out.Errors, Issue{Code: ErrManifestMissing})
		out.Summary = "bundle has no manifest.json"
		return out, nil
	}
	var mf manifest
	if err := json.Unmarshal(manifestRaw, &mf); err != nil || mf.BundleType == "" {
		out.Errors = append(out.Errors, Issue{Code: ErrManifestInvalid, Path: "manifest.json"})
		out.Summary = "manifest.json is not a valid bundle manifest"
		return out, nil
	}
	out.BundleType = mf.BundleType

	for _, entry := range mf.Files {
		raw, ok := readEntry(entries, entry.Path)
		if !ok {
			out.Errors = append(out.Errors, Issue{Code: ErrManifestDigestMismatch,
				Path: entry.Path, Message: "file listed in manifest is absent"})
			continue
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != entry.Sha256 {
			out.Errors = append(out.Errors, Issue{Code: ErrManifestDigestMismatch, Path: entry.Path})
		}
	}

	p.checkGovernance(out, entries, manifestRaw, in)
	p.checkPricing(out, entries, in)

	out.OK = len(out.Errors) == 0
	if out.OK {
		out.Summary = fmt.Sprintf("%s verified in %s mode", mf.BundleType, in.Mode)
	} else {
		out.Summary = fmt.Sprintf("%s failed verification with %d error(s)", mf.BundleType, len(out.Errors))
	}
	return out, nil
}

// checkGovernance validates the governance approval signature. Strict mode
// treats problems as errors; compat mode downgrades a missing approval to a
// trust-anchor warning.
func (p *PolicyVerifier) checkGovernance(out *CliOutput, entries map[string]*zip.File, manifestRaw []byte, in Input) {
	if in.Roots.Empty() {
		return // compat without roots already warned
	}

	approvalRaw, ok := readEntry(entries, "governance/approval.json")
	if !ok {
		issue := Issue{Code: ErrGovernanceApprovalMissing, Path: "governance/approval.json"}
		if in.Mode == ModeStrict {
			out.Errors = append(out.Errors, issue)
		} else {
			out.Warnings = append(out.Warnings, issue)
		}
		return
	}

	var appr approval
	if err := json.Unmarshal(approvalRaw, &appr); err != nil {
		out.Errors = append(out.Errors, Issue{Code: ErrGovernanceSigInvalid,
			Path: "governance/approval.json", Message: "unparseable approval"})
		return
	}

	root, ok := in.Roots.Lookup(appr.KeyID)
	if !ok {
		out.Errors = append(out.Errors, Issue{Code: ErrGovernanceSigInvalid,
			Message: fmt.Sprintf("approval keyId %s is not a trusted root", appr.KeyID)})
		return
	}
	pub, err := root.Public()
	if err != nil {
		out.Errors = append(out.Errors, Issue{Code: ErrGovernanceSigInvalid, Message: err.Error()})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(appr.SignatureBase64)
	if err != nil {
		out.Errors = append(out.Errors, Issue{Code: ErrGovernanceSigInvalid,
			Message: "signature is not valid base64"})
		return
	}

	canonical, err := canonicalize.TransformRaw(manifestRaw)
	if err != nil {
		out.Errors = append(out.Errors, Issue{Code: ErrManifestInvalid, Message: err.Error()})
		return
	}
	if !ed25519.Verify(pub, canonical, sig) {
		out.Errors = append(out.Errors, Issue{Code: ErrGovernanceSigInvalid,
			Message: fmt.Sprintf("signature by %s does not verify", appr.KeyID)})
		return
	}
	out.GovernanceSignerKeyID = appr.KeyID
}

// checkPricing records pricing-matrix signer key ids and verifies signatures
// when pricing signer keys are configured. An unverifiable signature is a
// trust-anchor warning, not an error; vendor policy may still reject the
// signer key id downstream.
func (p *PolicyVerifier) checkPricing(out *CliOutput, entries map[string]*zip.File, in Input) {
	sigRaw, ok := readEntry(entries, "pricing/pricing_matrix_signatures.json")
	if !ok {
		return
	}
	matrixRaw, hasMatrix := readEntry(entries, "pricing/pricing_matrix.json")

	var sigs []pricingSignature
	if err := json.Unmarshal(sigRaw, &sigs); err != nil {
		out.Warnings = append(out.Warnings, Issue{Code: WarnPricingSigUnverified,
			Path: "pricing/pricing_matrix_signatures.json", Message: "unparseable signatures file"})
		return
	}

	for _, sig := range sigs {
		out.PricingSignerKeyIDs = append(out.PricingSignerKeyIDs, sig.KeyID)
		if in.PricingKeys.Empty() || !hasMatrix {
			continue
		}
		key, known := in.PricingKeys.Lookup(sig.KeyID)
		if !known {
			continue
		}
		pub, err := key.Public()
		if err != nil {
			out.Warnings = append(out.Warnings, Issue{Code: WarnPricingSigUnverified, Message: err.Error()})
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(sig.SignatureBase64)
		if err != nil || !ed25519.Verify(pub, matrixRaw, raw) {
			out.Warnings = append(out.Warnings, Issue{Code: WarnPricingSigUnverified,
				Message: fmt.Sprintf("pricing matrix signature by %s does not verify", sig.KeyID)})
		}
	}
}

func readEntry(entries map[string]*zip.File, path string) ([]byte, bool) {
	f, ok := entries[path]
	if !ok {
		return nil, false
	}
	rc, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return raw, true
}
