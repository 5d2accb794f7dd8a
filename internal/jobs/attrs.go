package jobs

import (
	goipp "github.com/OpenPrinting/goipp"
)

// setStringAttr replaces (or appends) a single-valued keyword attribute in
// the job's carried attribute set.
func setStringAttr(attrs *goipp.Attributes, name, value string) {
	for i := range *attrs {
		if (*attrs)[i].Name == name {
			(*attrs)[i] = goipp.MakeAttribute(name, goipp.TagKeyword, goipp.String(value))
			return
		}
	}
	attrs.Add(goipp.MakeAttribute(name, goipp.TagKeyword, goipp.String(value)))
}
