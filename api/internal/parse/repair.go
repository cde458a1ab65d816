package parse

import (
	"fmt"
	"regexp"
)

// Модель иногда пропускает имя второй координаты пары:
//
//	"x_min_percent": 5, 10,   ->   "x_min_percent": 5, "y_min_percent": 10,
//
// Чиним для обеих пар (min/max), в середине объекта и перед '}', плюс старые имена без _percent.
type coordRepair struct {
	re   *regexp.Regexp
	repl string
}

const number = `-?\d+(?:\.\d+)?`

var coordRepairs = buildCoordRepairs([][2]string{
	{"x_min_percent", "y_min_percent"},
	{"x_max_percent", "y_max_percent"},
	{"x_min", "y_min"},
	{"x_max", "y_max"},
})

func buildCoordRepairs(pairs [][2]string) []coordRepair {
	out := make([]coordRepair, 0, len(pairs)*2)
	for _, p := range pairs {
		head := fmt.Sprintf(`("%s"\s*:\s*%s)\s*,\s*(%s)\s*`, p[0], number, number)
		out = append(out,
			coordRepair{
				re:   regexp.MustCompile(head + `,`),
				repl: fmt.Sprintf(`${1}, "%s": ${2},`, p[1]),
			},
			coordRepair{
				re:   regexp.MustCompile(head + `}`),
				repl: fmt.Sprintf(`${1}, "%s": ${2}}`, p[1]),
			},
		)
	}
	return out
}

func repairCoordinates(text string) string {
	for _, r := range coordRepairs {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}
