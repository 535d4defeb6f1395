package netchan

import "github.com/sagernet/netchan/logging"

// Logger is the ambient logging contract the channel core writes through;
// see package logging for the default slog-backed implementation.
type Logger = logging.Logger
