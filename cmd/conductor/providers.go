package main

// Reasoning service transports register themselves via init().
import (
	_ "github.com/Strob0t/Conductor/internal/adapter/reasoninghttp"
)
