package common

import "fmt"

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Assert panics with msg if cond is false. Used to guard structural invariants that must
// hold at every quiescent point observable to readers.
func Assert(cond bool, msg string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(msg, args...))
	}
}
