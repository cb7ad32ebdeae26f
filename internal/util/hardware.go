package util

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// HardwareID is a best-effort stable identifier for the host the runtime
// executes on. The trust store uses it in the client assertion's jti
// claim, and `devicectl provision` falls back to it when no endpoint id
// is given. The trust store's connected-devices map is keyed by the
// hardware ids its callers supply, not by this value.
func HardwareID() string {
	id := readFirstLine("/sys/class/dmi/id/product_uuid")
	if id == "" {
		id = readFirstLine("/etc/machine-id")
	}
	if id == "" {
		id = runtime.GOARCH + "-" + runtime.GOOS
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

func readFirstLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// HasTPM reports whether a TPM device node is present. The trust store
// uses this as a cheap presence check when deciding whether to mark its
// software-generated key pair as hardware-backed.
func HasTPM() bool {
	for _, path := range []string{"/dev/tpmrm0", "/dev/tpm0"} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
