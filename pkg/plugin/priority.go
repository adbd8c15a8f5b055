package plugin

// Priority tags, highest first. Algorithms keep insertion order.
var priorityTables = map[Category][]string{
	CategoryData:       {"pandas", "image", "delimiter"},
	CategoryModel:      {"lightgbm", "xgboost", "sklearn", "tensorflow", "pytorch", "api"},
	CategoryPipeline:   {"sklearn", "pytorch", "custom"},
	CategorySerializer: {"pickle", "joblib", "tensorflow", "image", "pytorch", "delimiter"},
}

// PriorityTags returns the priority table of a category, or nil for insertion-ordered categories.
func PriorityTags(category Category) []string {
	tags := priorityTables[category]
	out := make([]string, len(tags))
	copy(out, tags)
	if len(out) == 0 {
		return nil
	}
	return out
}

// rank returns the position of tag in the category table. Unknown tags sort after every known tag.
func rank(category Category, tag string) int {
	tags := priorityTables[category]
	for i, t := range tags {
		if t == tag {
			return i
		}
	}
	return len(tags)
}
