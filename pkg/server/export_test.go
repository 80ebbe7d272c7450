package server

// NewBackendFrom builds a backend over already constructed installations.
var NewBackendFrom = newBackend
