package bulletin

import "github.com/kjstillabower/bulletin-weather-service/internal/models"

// DefaultLexicon returns the built-in condition table. More specific phrases come
// before the words they contain.
func DefaultLexicon() models.Lexicon {
	return models.NewLexicon([]models.LexiconEntry{
		{Match: "thunder", Icon: "thunderstorm"},
		{Match: "storm", Icon: "thunderstorm"},
		{Match: "hail", Icon: "hail"},
		{Match: "snow", Icon: "snow"},
		{Match: "sleet", Icon: "sleet"},
		{Match: "shower", Icon: "showers"},
		{Match: "drizzle", Icon: "drizzle"},
		{Match: "rain", Icon: "rain"},
		{Match: "fog", Icon: "fog"},
		{Match: "mist", Icon: "fog"},
		{Match: "haz", Icon: "haze"},
		{Match: "dust", Icon: "dust"},
		{Match: "wind", Icon: "windy"},
		{Match: "partly cloudy", Icon: "partly-cloudy"},
		{Match: "mostly sunny", Icon: "partly-cloudy"},
		{Match: "cloud", Icon: "cloudy"},
		{Match: "overcast", Icon: "cloudy"},
		{Match: "sunny", Icon: "sunny"},
		{Match: "fine", Icon: "sunny"},
		{Match: "clear", Icon: "clear"},
		{Match: "frost", Icon: "frost"},
	})
}
