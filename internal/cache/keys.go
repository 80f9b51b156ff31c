package cache

import "fmt"

// LicenseCheckKey is where the check probe for a license key is cached.
func LicenseCheckKey(licenseKey string) string {
	return fmt.Sprintf("license:check:%s", licenseKey)
}
