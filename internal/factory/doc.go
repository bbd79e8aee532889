// Package factory creates user wallets, seeds them with trial funds from its
// own reserve and lets the governor recover those funds later.
package factory
