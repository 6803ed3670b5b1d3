package content

import (
	"fmt"
)

// MaxMergeDepth bounds DeepMerge recursion against adversarial or circular input
const MaxMergeDepth = 50

var ErrMergeDepthExceeded = fmt.Errorf("maximum merge depth of %d exceeded", MaxMergeDepth)

// Document is a decoded JSON object
type Document = map[string]any

// DeepMerge merges source onto target and returns the result without modifying either.
//
//   - nil source (absent or JSON null) leaves target unchanged, so a patch
//     cannot clear a field to null; set it to "" or [] instead
//   - a source array replaces target, as a shallow copy
//   - a source object merges key by key into a shallow copy of target, or into a new
//     object when target is not one
//   - any other source value replaces target
func DeepMerge(target, source any) (any, error) {
	return deepMerge(target, source, 0)
}

func deepMerge(target, source any, depth int) (any, error) {
	if depth > MaxMergeDepth {
		return nil, ErrMergeDepthExceeded
	}
	switch src := source.(type) {
	case nil:
		return target, nil
	case []any:
		out := make([]any, len(src))
		copy(out, src)
		return out, nil
	case map[string]any:
		tgt, _ := target.(map[string]any)
		out := make(map[string]any, len(tgt)+len(src))
		for k, v := range tgt {
			out[k] = v
		}
		for k, v := range src {
			merged, err := deepMerge(tgt[k], v, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = merged
		}
		return out, nil
	default:
		return source, nil
	}
}

// MergeWithDefaults returns the default document for locale with overrides merged on top
func MergeWithDefaults(locale Locale, overrides Document) (Document, error) {
	def, err := Defaults(locale)
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		return def, nil
	}
	merged, err := DeepMerge(def, overrides)
	if err != nil {
		return nil, err
	}
	return merged.(map[string]any), nil
}
