package container

import (
	"fmt"
	"math/rand"
)

// Word lists for generated container names, docker style: adjective_surname.
var nameAdjectives = []string{
	"admiring", "bold", "brave", "clever", "dazzling", "eager", "elated",
	"festive", "gracious", "happy", "jolly", "keen", "lucid", "modest",
	"mystic", "nifty", "patient", "peaceful", "quirky", "relaxed", "serene",
	"sharp", "tender", "upbeat", "vigilant", "wizardly", "youthful", "zealous",
}

var nameSurnames = []string{
	"agnesi", "babbage", "boyd", "cerf", "curie", "darwin", "euler",
	"fermat", "franklin", "galileo", "hamilton", "hopper", "kepler",
	"lamarr", "liskov", "lovelace", "mendel", "newton", "noether",
	"pasteur", "ritchie", "shannon", "tesla", "turing",
}

// randomName draws a fresh adjective_surname pair. After a few collisions the
// caller passes a higher attempt and a numeric suffix widens the space.
func randomName(attempt int) string {
	name := fmt.Sprintf("%s_%s",
		nameAdjectives[rand.Intn(len(nameAdjectives))],
		nameSurnames[rand.Intn(len(nameSurnames))])
	if attempt > 3 {
		name = fmt.Sprintf("%s%d", name, rand.Intn(100))
	}
	return name
}
