package pas

import (
	"os"
	"path/filepath"
	"strconv"
)

// ObjectDir returns the working directory for an object's in-flight
// package.
func ObjectDir(packageDir string, objectID int64) string {
	return filepath.Join(packageDir, strconv.FormatInt(objectID, 10))
}

// LogDir returns the log directory inside an object's working directory.
func LogDir(packageDir string, objectID int64) string {
	return filepath.Join(ObjectDir(packageDir, objectID), "logs")
}

// StatusFile returns the path of the `.status` file that records whether
// the preservation service accepted or rejected a SIP.
func StatusFile(packageDir string, objectID int64, sipFilename string) string {
	return filepath.Join(ObjectDir(packageDir, objectID), sipFilename+".status")
}

// ArchiveLogDir returns the long-term archive log directory for a
// processed SIP.
func ArchiveLogDir(archiveDir string, objectID int64, sipFilename string) string {
	return filepath.Join(
		archiveDir, strconv.FormatInt(objectID, 10), sipFilename, "logs",
	)
}

// ListLogFiles returns the log file paths of an object's in-flight
// attempt. A missing log directory maps to an empty list.
func ListLogFiles(packageDir string, objectID int64) ([]string, error) {
	logDir := LogDir(packageDir, objectID)
	entries, err := os.ReadDir(logDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, Error.Wrap(err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(logDir, entry.Name()))
	}
	return paths, nil
}
