package cipher

import (
	"fmt"
	"strconv"
	"strings"
)

// Grammar distinguishes the two cipher spec forms a table line can use.
type Grammar int

const (
	// GrammarLegacy is "cipher[:keycount]-chainmode-ivmode[:ivopts]".
	GrammarLegacy Grammar = iota
	// GrammarCapi is "capi:<crypto-api-spec>-<ivmode>[:ivopts]".
	GrammarCapi
)

// Spec is the parsed form of the cipher_spec table-line token
// (dm-crypt's construct table position 1).
type Spec struct {
	Raw       string
	Grammar   Grammar
	Cipher    string // e.g. "aes"; for GrammarCapi, the full capi string up to the ivmode
	Chain     ChainMode
	TfmsCount int // keycount; defaults to 1, must be a power of two
	KeyParts  int // == TfmsCount for both grammars

	IVMode Mode
	IVOpts string

	AEAD    bool   // set for capi:authenc(...) specs
	Offload bool   // set for legacy chainmode "disk" or "fmp"
	AuthAlg string // for AEAD capi specs: the HMAC hash name inside authenc(hmac(h),...), "" if none
}

// Mode is the IV-mode name as a plain string; callers convert it with
// iv.Mode when building the IV generator.
type Mode = string

// Parse parses a cipher_spec token. Bare "cipher" is accepted as a
// compatibility shim for "cipher-cbc-plain".
func Parse(specStr string) (*Spec, error) {
	if specStr == "" {
		return nil, fmt.Errorf("cipher: empty cipher spec")
	}
	if strings.HasPrefix(specStr, "capi:") {
		return parseCapi(specStr)
	}
	return parseLegacy(specStr)
}

func parseLegacy(specStr string) (*Spec, error) {
	raw := specStr
	if !strings.Contains(specStr, "-") {
		specStr = specStr + "-cbc-plain" // bare "cipher" shim
	}

	ivOpts := ""
	if idx := strings.LastIndexByte(specStr, ':'); idx >= 0 && idx > strings.LastIndexByte(specStr, '-') {
		ivOpts = specStr[idx+1:]
		specStr = specStr[:idx]
	}

	parts := strings.SplitN(specStr, "-", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("cipher: legacy spec %q must be cipher[:keycount]-chainmode-ivmode", raw)
	}
	cipherPart, chainPart, ivPart := parts[0], parts[1], parts[2]

	cipherName := cipherPart
	tfmsCount := 1
	if idx := strings.IndexByte(cipherPart, ':'); idx >= 0 {
		cipherName = cipherPart[:idx]
		n, err := strconv.Atoi(cipherPart[idx+1:])
		if err != nil || n <= 0 || n&(n-1) != 0 {
			return nil, fmt.Errorf("cipher: keycount %q must be a power of two", cipherPart[idx+1:])
		}
		tfmsCount = n
	}

	s := &Spec{
		Raw:       raw,
		Grammar:   GrammarLegacy,
		Cipher:    cipherName,
		Chain:     ChainMode(chainPart),
		TfmsCount: tfmsCount,
		KeyParts:  tfmsCount,
		IVMode:    ivPart,
		IVOpts:    ivOpts,
	}
	if s.Chain == "disk" || s.Chain == "fmp" {
		s.Offload = true
	}
	return s, nil
}

// parseCapi parses "capi:<crypto-api-spec>-<ivmode>[:ivopts]". The
// crypto-api-spec is passed through largely verbatim; only enough is
// inspected here to detect authenc(...) AEAD wrapping (which sets the
// INTEGRITY_AEAD flag) and to split off the trailing
// ivmode token, which — unlike the legacy grammar — is simply the last
// '-'-delimited segment of the whole spec.
func parseCapi(specStr string) (*Spec, error) {
	raw := specStr
	rest := strings.TrimPrefix(specStr, "capi:")

	ivOpts := ""
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 {
		ivOpts = rest[idx+1:]
		rest = rest[:idx]
	}

	idx := strings.LastIndexByte(rest, '-')
	if idx < 0 {
		return nil, fmt.Errorf("cipher: capi spec %q missing -ivmode suffix", raw)
	}
	capiSpec, ivMode := rest[:idx], rest[idx+1:]

	s := &Spec{
		Raw:       raw,
		Grammar:   GrammarCapi,
		Cipher:    capiSpec,
		TfmsCount: 1,
		KeyParts:  1,
		IVMode:    ivMode,
		IVOpts:    ivOpts,
	}

	if strings.HasPrefix(capiSpec, "authenc(") {
		s.AEAD = true
		if hm := extractHMACAlg(capiSpec); hm != "" {
			s.AuthAlg = hm
		}
	} else if strings.Contains(capiSpec, "gcm(") || strings.Contains(capiSpec, "chacha20poly1305") || strings.Contains(capiSpec, "rfc7539") {
		s.AEAD = true
	}
	return s, nil
}

// extractHMACAlg pulls "sha256" out of "authenc(hmac(sha256),cbc(aes))".
func extractHMACAlg(capiSpec string) string {
	const marker = "hmac("
	i := strings.Index(capiSpec, marker)
	if i < 0 {
		return ""
	}
	rest := capiSpec[i+len(marker):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
