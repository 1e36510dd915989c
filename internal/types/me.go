package types

// Preferences holds the account-level display and unit settings
type Preferences struct {
	DateFormat       string `json:"dateFormat"`
	MeasurementUnits string `json:"measurementUnits"`
	TempUnit         string `json:"tempUnit"`
	RadonUnit        string `json:"radonUnit"`
	RFRegion         string `json:"rfRegion"`
	ProUser          bool   `json:"proUser"`
	UserID           string `json:"userId"`
	Language         string `json:"language"`
}

// Me is the account profile returned by the /me endpoint
type Me struct {
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Preferences Preferences `json:"preferences"`
}
