package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"

	failurelambda "github.com/gunnargrosch/failure-lambda"
)

func main() {
	err := failurelambda.Main(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
