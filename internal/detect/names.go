// Package detect runs the CNN-backed detection and recognition units and
// owns the face gallery.
package detect

import "fmt"

// cocoNames maps YOLO class ids to the COCO label set the models are
// trained on.
var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag",
	"tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot",
	"hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// ClassName returns the label for a class id, or the numeric id when it is
// outside the known set.
func ClassName(id int) string {
	if id >= 0 && id < len(cocoNames) {
		return cocoNames[id]
	}
	return fmt.Sprintf("class %d", id)
}

// PersonClassID is the COCO id the notifier and MQTT publisher key on.
const PersonClassID = 0
