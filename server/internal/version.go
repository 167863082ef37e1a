package internal

// AppVersion is overridden at build time with -ldflags "-X ...AppVersion=..."
var AppVersion = "1.4.0"
