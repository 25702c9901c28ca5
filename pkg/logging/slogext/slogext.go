package slogext

import "log/slog"

func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

func Ino(ino uint64) slog.Attr {
	return slog.Uint64("ino", ino)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}
