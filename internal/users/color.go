package users

import "github.com/zeebo/xxh3"

var palette = []string{
	"#E5484D", "#F76B15", "#FFC53D", "#46A758",
	"#12A594", "#0090FF", "#3E63DD", "#8E4EC6",
	"#D6409F", "#AD7F58", "#5B5BD6", "#30A46C",
}

// ColorFor picks a stable palette colour for userID.
func ColorFor(userID string) string {
	return palette[xxh3.HashString(userID)%uint64(len(palette))]
}
