//go:build !linux && !darwin

package runtime

func platformBinDirs() []string {
	return nil
}
