package manifest

import "strings"

// importOverrides maps distribution names to their import package when the
// two differ. Only the usual offenders are listed, anything else falls back
// to the underscore rule.
var importOverrides = map[string]string{
	"pyyaml":             "yaml",
	"pillow":             "PIL",
	"beautifulsoup4":     "bs4",
	"scikit-learn":       "sklearn",
	"opencv-python":      "cv2",
	"python-dateutil":    "dateutil",
	"python-docx":        "docx",
	"python-dotenv":      "dotenv",
	"msgpack-python":     "msgpack",
	"protobuf":           "google.protobuf",
	"attrs":              "attr",
	"typing-extensions":  "typing_extensions",
	"streamlit-extras":   "streamlit_extras",
	"google-api-python-client": "googleapiclient",
}

// ImportName returns the module to import when checking that the entry is
// actually usable. Direct references return empty, there is nothing reliable
// to derive a module name from.
func (e Entry) ImportName() string {
	if e.IsDirect() {
		return ""
	}
	if imp, ok := importOverrides[Canonical(e.Name)]; ok {
		return imp
	}
	name := strings.ToLower(e.Name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, ".", "_")
}
