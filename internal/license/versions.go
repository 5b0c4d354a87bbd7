package license

import (
	"strings"

	"github.com/keygatehq/keygate/internal/model"
)

// CheckVersion validates an application version against a license's allowed
// versions mask. The mask is either empty or "*" (anything goes), a prefix
// wildcard like "2.*", or an exact version. A client that omits its version
// only passes under the open mask.
func CheckVersion(mask, appVersion string) error {
	mask = strings.TrimSpace(mask)
	if mask == "" || mask == "*" {
		return nil
	}
	if appVersion == "" {
		return model.Validationf("application version is required for this license")
	}
	if prefix, ok := strings.CutSuffix(mask, ".*"); ok {
		if appVersion == prefix || strings.HasPrefix(appVersion, prefix+".") {
			return nil
		}
		return model.Policyf("version %s is not covered by this license (allowed: %s)", appVersion, mask)
	}
	if appVersion == mask {
		return nil
	}
	return model.Policyf("version %s is not covered by this license (allowed: %s)", appVersion, mask)
}
