package logging

import (
	"fmt"
	"os"
)

// Printf-style shims so a *Logger can stand in where a standard library
// logger is expected (e.g. the CLI). Prefer the leveled API.

func (log *Logger) Fatalf(format string, v ...interface{}) {
	log.Log(Error, 1, format, v...)
	os.Exit(1)
}

func (log *Logger) Printf(format string, v ...interface{}) {
	log.Log(Info, 1, format, v...)
}

func (log *Logger) Println(v ...interface{}) {
	log.Log(Info, 1, fmt.Sprintln(v...))
}
