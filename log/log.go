package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger

	// File-only loggers for anything that runs while the wrapped terminal
	// owns stdout. Printing to the console there corrupts the child's UI.
	FileOnlyInfoLog    *log.Logger
	FileOnlyWarningLog *log.Logger
	FileOnlyErrorLog   *log.Logger
)

var logFileName = filepath.Join(os.TempDir(), "codexloop.log")

var globalLogFile *os.File

// Initialize should be called once at the beginning of the program to set up
// logging. defer Close() after calling this function.
func Initialize() {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("could not open log file: %s", err))
	}

	InfoLog = log.New(io.MultiWriter(os.Stdout, f), "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(io.MultiWriter(os.Stderr, f), "WARNING: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(io.MultiWriter(os.Stderr, f), "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	FileOnlyInfoLog = log.New(f, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	FileOnlyWarningLog = log.New(f, "WARNING: ", log.Ldate|log.Ltime|log.Lshortfile)
	FileOnlyErrorLog = log.New(f, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	globalLogFile = f
}

func Close() {
	_ = globalLogFile.Close()
}

// LogFileName returns the path logs are written to.
func LogFileName() string {
	return logFileName
}
