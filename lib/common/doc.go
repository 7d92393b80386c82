// Package common holds what every command of the engine shares: the log
// formatter installed into the dragonboat logger registry and the engine
// configuration.
package common
