package classifier

import "fmt"

// Category is the size band a payload falls into
type Category string

const (
	CategoryTooSmall Category = "too_small"
	CategoryShort    Category = "short"
	CategoryMedium   Category = "medium"
	CategoryLong     Category = "long"
)

// Thresholds are the lower bounds of the short, medium and long bands in bytes.
// Bands are half-open: [0,Short) [Short,Medium) [Medium,Long) [Long,inf).
type Thresholds struct {
	Short  int
	Medium int
	Long   int
}

// Texts holds the canned transcript returned for each category
type Texts map[Category]string

// Classifier is a pure size-to-category mapping. It is safe for concurrent use.
type Classifier struct {
	thresholds Thresholds
	texts      Texts
}

// New creates a classifier. Thresholds must be strictly increasing and non-negative.
func New(thresholds Thresholds, texts Texts) (*Classifier, error) {
	if thresholds.Short < 0 {
		return nil, fmt.Errorf("short threshold cannot be negative, got %d", thresholds.Short)
	}
	if !(thresholds.Short < thresholds.Medium && thresholds.Medium < thresholds.Long) {
		return nil, fmt.Errorf("thresholds must be strictly increasing, got %d, %d, %d",
			thresholds.Short, thresholds.Medium, thresholds.Long)
	}

	copied := make(Texts, 4)
	for _, c := range []Category{CategoryTooSmall, CategoryShort, CategoryMedium, CategoryLong} {
		text, ok := texts[c]
		if !ok {
			return nil, fmt.Errorf("missing transcript text for category %q", c)
		}
		copied[c] = text
	}

	return &Classifier{thresholds: thresholds, texts: copied}, nil
}

// Classify returns the category for a payload of the given size.
// Negative sizes are treated as zero.
func (c *Classifier) Classify(size int) Category {
	switch {
	case size < c.thresholds.Short:
		return CategoryTooSmall
	case size < c.thresholds.Medium:
		return CategoryShort
	case size < c.thresholds.Long:
		return CategoryMedium
	default:
		return CategoryLong
	}
}

// Text returns the canned transcript for a category
func (c *Classifier) Text(category Category) string {
	return c.texts[category]
}

// Transcribe classifies the size and returns the matching canned text
func (c *Classifier) Transcribe(size int) (Category, string) {
	category := c.Classify(size)
	return category, c.texts[category]
}

// Thresholds returns the configured band boundaries
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}
