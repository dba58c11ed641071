package notarize

import (
	"fmt"
	"time"

	"howett.net/plist"
)

// altoolOutput is the XML plist printed by altool --output-format xml.
type altoolOutput struct {
	OSVersion      string             `plist:"os-version"`
	SuccessMessage string             `plist:"success-message"`
	ToolPath       string             `plist:"tool-path"`
	ToolVersion    string             `plist:"tool-version"`
	ProductErrors  []productError     `plist:"product-errors"`
	Upload         notarizationUpload `plist:"notarization-upload"`
	Info           notarizationInfo   `plist:"notarization-info"`
}

type notarizationUpload struct {
	RequestUUID string `plist:"RequestUUID"`
}

type notarizationInfo struct {
	Date          time.Time `plist:"Date"`
	Hash          string    `plist:"Hash"`
	LogFileURL    string    `plist:"LogFileURL"`
	RequestUUID   string    `plist:"RequestUUID"`
	Status        string    `plist:"Status"`
	StatusCode    int       `plist:"Status Code"`
	StatusMessage string    `plist:"Status Message"`
}

type productError struct {
	Code     int                    `plist:"code"`
	Message  string                 `plist:"message"`
	UserInfo map[string]interface{} `plist:"userInfo"`
}

func parseOutput(data []byte) (*altoolOutput, error) {
	var out altoolOutput
	if _, err := plist.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse altool output: %w", err)
	}
	return &out, nil
}

func (o *altoolOutput) hasProductError(code int) bool {
	for _, pe := range o.ProductErrors {
		if pe.Code == code {
			return true
		}
	}
	return false
}
