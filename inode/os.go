package inode

import "os"

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func removeFile(path string) error {
	return os.Remove(path)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
