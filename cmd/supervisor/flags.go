package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// APIFlags select the supervisor a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type ServiceFlags struct {
	APIFlags
	Name        string
	Description string
}

type CronFlags struct {
	APIFlags
	Name  string
	Count int
}
