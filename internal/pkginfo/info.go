package pkginfo

import (
	"encoding/xml"
	"fmt"
)

// Info is the parsed pkg-info element of a rendered PackageInfo.
type Info struct {
	XMLName         xml.Name `xml:"pkg-info"`
	FormatVersion   string   `xml:"format-version,attr"`
	Identifier      string   `xml:"identifier,attr"`
	Version         string   `xml:"version,attr"`
	InstallLocation string   `xml:"install-location,attr"`
	Auth            string   `xml:"auth,attr"`
	Payload         Payload  `xml:"payload"`
}

// Payload carries the size counters of a PackageInfo.
type Payload struct {
	InstallKBytes int64 `xml:"installKBytes,attr"`
	NumberOfFiles int   `xml:"numberOfFiles,attr"`
}

// Parse decodes a rendered PackageInfo document.
func Parse(data []byte) (*Info, error) {
	var info Info
	if err := xml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse PackageInfo: %w", err)
	}

	return &info, nil
}
