package merge

import (
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"exam-grader/api/internal/types"
)

// Collator не потокобезопасен, держим пул.
var collators = sync.Pool{
	New: func() any { return collate.New(language.Chinese, collate.Numeric) },
}

// Compare упорядочивает номера вопросов: два числа сравниваются численно, иначе строки
// сравниваются с учётом локали и чисел внутри ("13(1)" < "13(2)" < "13(10)").
// Порядок полный: при равенстве по коллатору решает побайтовое сравнение.
func Compare(a, b types.QuestionNumber) int {
	if a.IsNumeric() && b.IsNumeric() {
		switch {
		case a.Int() < b.Int():
			return -1
		case a.Int() > b.Int():
			return 1
		}
		return 0
	}
	return CompareStrings(a.String(), b.String())
}

// CompareStrings — естественный порядок строк с учётом локали.
func CompareStrings(x, y string) int {
	if x == y {
		return 0
	}
	c := collators.Get().(*collate.Collator)
	r := c.CompareString(x, y)
	collators.Put(c)
	if r != 0 {
		return r
	}
	return strings.Compare(x, y)
}
