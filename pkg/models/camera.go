package models

// DeviceInfo is the identity a camera reports via GetDeviceInformation.
// Logged once after connect so operators can tell which hardware answered.
type DeviceInfo struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
}
