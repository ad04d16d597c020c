package nn

// ImageLabels is the JSON-serializable result of running detection over one image file
type ImageLabels struct {
	Filename string            `json:"filename,omitempty"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Classes  []string          `json:"classes,omitempty"`
	Count    int               `json:"count"`
	Objects  []ObjectDetection `json:"objects"`
}
