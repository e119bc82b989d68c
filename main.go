/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/miniauth/idserver/cmd"

func main() {
	cmd.Execute()
}
