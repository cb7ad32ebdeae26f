package trust

import (
	"errors"

	"github.com/google/go-attestation/attest"

	"github.com/evergreen-iot/device-client/internal/util"
)

// hardwareKeyAvailable probes for a usable TPM the way the teacher's
// old attestation manager opened one for boot attestation
// (internal/attestation/manager.go), repurposed here to decide whether
// GenerateKeyPair should mark its key hardware-backed. The TPM handle
// itself is only used to confirm presence; the RSA key pair generated
// alongside it is still a software key; see DESIGN.md for why exporting
// a non-extractable TPM-resident key was left out of scope.
func hardwareKeyAvailable() bool {
	if !util.HasTPM() {
		return false
	}
	tpm, err := attest.OpenTPM(nil)
	if err != nil {
		if errors.Is(err, attest.ErrTPMNotAvailable) {
			return false
		}
		return false
	}
	defer tpm.Close()

	if _, err := tpm.NewAK(nil); err != nil {
		return false
	}
	return true
}
