//go:build !linux

package launch

func setSubreaper() error {
	return ErrReapUnsupported
}

func reapUntil(int) (Status, error) {
	return Status{}, ErrReapUnsupported
}
