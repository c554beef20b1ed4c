package classify

import (
	"strings"

	"course-autopilot/internal/model"
)

var moduleKinds = map[string]model.Kind{
	"page":   model.KindPage,
	"book":   model.KindPage,
	"url":    model.KindURL,
	"forum":  model.KindForum,
	"quiz":   model.KindQuiz,
	"assign": model.KindAssignment,
}

func IsKnownKind(k model.Kind) bool {
	switch k {
	case model.KindPage, model.KindURL, model.KindForum, model.KindQuiz, model.KindAssignment, model.KindOther:
		return true
	}
	return false
}

// KindFromURL maps a portal module link (".../mod/<module>/view.php?id=N")
// to an activity kind.
func KindFromURL(rawURL string) model.Kind {
	lower := strings.ToLower(rawURL)
	_, rest, ok := strings.Cut(lower, "/mod/")
	if !ok {
		return model.KindOther
	}
	module, _, _ := strings.Cut(rest, "/")
	if k, ok := moduleKinds[module]; ok {
		return k
	}
	return model.KindOther
}
