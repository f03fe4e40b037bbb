package types

// Version is the runtime's own version, reported by the GET / banner
// fallback and the startup log line.
const Version = "0.1.0"
