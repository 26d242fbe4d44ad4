// Package handlers holds the task handlers shipped with the bot.
package handlers
