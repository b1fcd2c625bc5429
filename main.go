package main

import (
	"fmt"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
