// Config loads configuration.
package config

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

const Version = "2.0"

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// GetIntOr is like GetInt but returns def if the variable is unset or
// invalid.
func GetIntOr(varName string, def int) int {
	i, err := GetInt(varName)
	if err != nil {
		return def
	}
	return i
}

// GetBool reports whether varName is set to a true value ("1", "true", ...).
func GetBool(varName string) bool {
	b, err := strconv.ParseBool(os.Getenv(varName))
	return err == nil && b
}

func GetURLOrBail(urlEnvVar string) *url.URL {
	serviceUrl := os.Getenv(urlEnvVar)
	if serviceUrl == "" {
		log.Fatal(fmt.Errorf("No service URL configured. Please set %s", urlEnvVar))
	}
	parsedUrl, err := url.Parse(serviceUrl)
	if err != nil {
		log.Fatalf("Invalid service url: %s. %s\n", serviceUrl, err.Error())
	}
	return parsedUrl
}

// SetMaxIdleConnsPerHost sets the MaxIdleConnsPerHost value for the default
// HTTP transport. If you are using a custom transport, calling this function
// won't change anything.
func SetMaxIdleConnsPerHost(maxConns int) {
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = maxConns
}
